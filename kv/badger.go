package kv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a badger database at dir. An empty dir runs in memory.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *BadgerStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(bytes.Clone(item.Key()), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) MultiIns(kvs []KV) error {
	return s.Write(kvs, nil)
}

func (s *BadgerStore) MultiDel(keys [][]byte) error {
	return s.Write(nil, keys)
}

// Write 在一个事务内提交，不拆分。
// 超过单事务上限（约 MemTableSize 的 15%）时返回 ErrWriteTooLarge，什么都不写。
func (s *BadgerStore) Write(ins []KV, dels [][]byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, e := range ins {
			if err := txn.Set(e.Key, e.Value); err != nil {
				return err
			}
		}
		for _, k := range dels {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %d inserts, %d deletes", ErrWriteTooLarge, len(ins), len(dels))
	}
	return err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
