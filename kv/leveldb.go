package kv

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens a goleveldb database at dir. An empty dir keeps the
// tables in memory.
func OpenLevelDB(dir string) (*LevelDBStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *LevelDBStore) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *LevelDBStore) MultiIns(kvs []KV) error {
	return s.Write(kvs, nil)
}

func (s *LevelDBStore) MultiDel(keys [][]byte) error {
	return s.Write(nil, keys)
}

func (s *LevelDBStore) Write(ins []KV, dels [][]byte) error {
	b := new(leveldb.Batch)
	for _, e := range ins {
		b.Put(e.Key, e.Value)
	}
	for _, k := range dels {
		b.Delete(k)
	}
	return s.db.Write(b, &opt.WriteOptions{Sync: true})
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
