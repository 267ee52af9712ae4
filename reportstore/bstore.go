package reportstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"
)

// Row is a stored key/value pair.
type Row struct {
	Key   string
	Value []byte
}

// BoltDB is the bbolt-backed store, for single-process deployments. The
// database file is opened lazily on first use.
type BoltDB struct {
	path string

	mutex sync.Mutex
	db    *bstore.DB
}

var _ DB = (*BoltDB)(nil)

// OpenBolt returns a store backed by the database file at path. The file is
// created on first use.
func OpenBolt(path string) *BoltDB {
	return &BoltDB{path: path}
}

func (s *BoltDB) database(ctx context.Context) (*bstore.DB, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		os.MkdirAll(filepath.Dir(s.path), 0770)
		db, err := bstore.Open(ctx, s.path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Row{})
		if err != nil {
			return nil, err
		}
		s.db = db
	}
	return s.db, nil
}

func (s *BoltDB) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.database(ctx)
	if err != nil {
		return nil, err
	}
	r := Row{Key: key}
	if err := db.Get(ctx, &r); err == bstore.ErrAbsent {
		return nil, ErrAbsent
	} else if err != nil {
		return nil, err
	}
	return r.Value, nil
}

func (s *BoltDB) AtomicUpsert(ctx context.Context, key string, mutate func(value []byte, exists bool) ([]byte, error)) error {
	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(tx *bstore.Tx) error {
		r := Row{Key: key}
		err := tx.Get(&r)
		exists := err == nil
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		nv, err := mutate(r.Value, exists)
		if err != nil {
			return err
		}
		r.Value = nv
		if exists {
			return tx.Update(&r)
		}
		return tx.Insert(&r)
	})
}

func (s *BoltDB) RangeScan(ctx context.Context, prefix string, fn func(key string, value []byte) (bool, error)) error {
	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	errStop := errors.New("stop")
	err = db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Row](tx)
		q.FilterGreaterEqual("Key", prefix)
		q.SortAsc("Key")
		return q.ForEach(func(r Row) error {
			if !strings.HasPrefix(r.Key, prefix) {
				return errStop
			}
			more, err := fn(r.Key, r.Value)
			if err != nil {
				return err
			}
			if !more {
				return errStop
			}
			return nil
		})
	})
	if err == errStop {
		return nil
	}
	return err
}

func (s *BoltDB) AtomicTake(ctx context.Context, key string) ([]byte, error) {
	db, err := s.database(ctx)
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.Write(ctx, func(tx *bstore.Tx) error {
		r := Row{Key: key}
		if err := tx.Get(&r); err == bstore.ErrAbsent {
			return ErrAbsent
		} else if err != nil {
			return err
		}
		value = r.Value
		return tx.Delete(&r)
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *BoltDB) Delete(ctx context.Context, key string) error {
	db, err := s.database(ctx)
	if err != nil {
		return err
	}
	err = db.Delete(ctx, &Row{Key: key})
	if err == bstore.ErrAbsent {
		return nil
	}
	return err
}

func (s *BoltDB) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
