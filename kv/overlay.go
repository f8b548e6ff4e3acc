package kv

import (
	"bytes"
	"sort"
	"sync"
)

// Overlay buffers writes on top of a Reader. Reads see the buffered
// writes first. Nothing reaches the parent until the caller commits
// Writes() itself.
type Overlay struct {
	mu     sync.RWMutex
	parent Reader
	writes map[string][]byte
}

func NewOverlay(parent Reader) *Overlay {
	return &Overlay{parent: parent, writes: make(map[string][]byte)}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	v, ok := o.writes[string(key)]
	o.mu.RUnlock()
	if ok {
		return bytes.Clone(v), nil
	}
	return o.parent.Get(key)
}

func (o *Overlay) Put(key, value []byte) {
	o.mu.Lock()
	o.writes[string(key)] = bytes.Clone(value)
	o.mu.Unlock()
}

// Len 返回缓冲的写入数量
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.writes)
}

// Writes returns the buffered set sorted by key.
func (o *Overlay) Writes() []KV {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]KV, 0, len(o.writes))
	for k, v := range o.writes {
		out = append(out, KV{Key: []byte(k), Value: bytes.Clone(v)})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}
