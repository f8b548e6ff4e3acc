// Package kv is the byte-level storage layer under the rollup state.
// Every backend commits a Write atomically.
package kv

import (
	"errors"
	"fmt"

	"rollup/config"
)

const (
	BackendMemory  = "memory"
	BackendBadger  = "badger"
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
)

var ErrNotFound = errors.New("kv: key not found")

// ErrWriteTooLarge 单次 Write 超过后端事务上限（badger 的 ErrTxnTooBig）
var ErrWriteTooLarge = errors.New("kv: write set exceeds backend transaction limit")

// KV is one key/value pair of a write set.
type KV struct {
	Key   []byte
	Value []byte
}

type Reader interface {
	// Get returns a copy of the stored value or ErrNotFound.
	Get(key []byte) ([]byte, error)
}

type Store interface {
	Reader
	// IteratePrefix visits keys under prefix in ascending order.
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	MultiIns(kvs []KV) error
	MultiDel(keys [][]byte) error
	// Write applies inserts then deletes as one atomic unit.
	Write(ins []KV, dels [][]byte) error
	Close() error
}

// Open builds the backend named in cfg.
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendBadger:
		return OpenBadger(cfg.DataDir)
	case BackendPebble:
		return OpenPebble(cfg.DataDir)
	case BackendLevelDB:
		return OpenLevelDB(cfg.DataDir)
	}
	return nil, fmt.Errorf("kv: unknown backend %q", cfg.Backend)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
