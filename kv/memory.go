package kv

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps everything in a map. Used by tests and by the
// "memory" backend.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make([][]byte, len(keys))
	for i, k := range keys {
		snapshot[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), snapshot[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) MultiIns(kvs []KV) error {
	return m.Write(kvs, nil)
}

func (m *MemoryStore) MultiDel(keys [][]byte) error {
	return m.Write(nil, keys)
}

func (m *MemoryStore) Write(ins []KV, dels [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range ins {
		m.data[string(e.Key)] = bytes.Clone(e.Value)
	}
	for _, k := range dels {
		delete(m.data, string(k))
	}
	return nil
}

// Len 返回键数量
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Close() error { return nil }
