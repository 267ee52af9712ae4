package reportstore

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// MemDB is an in-memory store, for tests and ephemeral deployments. State is
// lost on process exit.
type MemDB struct {
	mutex sync.Mutex
	rows  map[string][]byte
}

var _ DB = (*MemDB)(nil)

func NewMem() *MemDB {
	return &MemDB{rows: map[string][]byte{}}
}

func (s *MemDB) Get(ctx context.Context, key string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, ok := s.rows[key]
	if !ok {
		return nil, ErrAbsent
	}
	return slices.Clone(v), nil
}

func (s *MemDB) AtomicUpsert(ctx context.Context, key string, mutate func(value []byte, exists bool) ([]byte, error)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, ok := s.rows[key]
	nv, err := mutate(slices.Clone(v), ok)
	if err != nil {
		return err
	}
	s.rows[key] = slices.Clone(nv)
	return nil
}

func (s *MemDB) RangeScan(ctx context.Context, prefix string, fn func(key string, value []byte) (bool, error)) error {
	// Take a snapshot so fn can modify the store.
	s.mutex.Lock()
	keys := maps.Keys(s.rows)
	slices.Sort(keys)
	type kv struct {
		key   string
		value []byte
	}
	var l []kv
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			l = append(l, kv{k, slices.Clone(s.rows[k])})
		}
	}
	s.mutex.Unlock()

	for _, e := range l {
		more, err := fn(e.key, e.value)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (s *MemDB) AtomicTake(ctx context.Context, key string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, ok := s.rows[key]
	if !ok {
		return nil, ErrAbsent
	}
	delete(s.rows, key)
	return v, nil
}

func (s *MemDB) Delete(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.rows, key)
	return nil
}

func (s *MemDB) Close() error {
	return nil
}
