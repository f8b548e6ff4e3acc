package kv

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens a pebble database at dir. An empty dir uses an
// in-memory filesystem.
func OpenPebble(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MaxOpenFiles: 500,
	}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

func (s *PebbleStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) MultiIns(kvs []KV) error {
	return s.Write(kvs, nil)
}

func (s *PebbleStore) MultiDel(keys [][]byte) error {
	return s.Write(nil, keys)
}

func (s *PebbleStore) Write(ins []KV, dels [][]byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, e := range ins {
		if err := b.Set(e.Key, e.Value, nil); err != nil {
			return err
		}
	}
	for _, k := range dels {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
