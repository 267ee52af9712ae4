package reportstore

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

// RedisDB is a redis-backed store, for deployments where multiple processes
// share reporting state. Atomicity of AtomicUpsert and AtomicTake comes from
// optimistic WATCH/MULTI transactions, retried on conflict.
type RedisDB struct {
	rdb    *redis.Client
	prefix string
}

var _ DB = (*RedisDB)(nil)

// Conflicting writers cause transaction retries. A busy key should settle
// well within this bound.
const redisMaxRetries = 64

// OpenRedis returns a store on the given client. All keys are stored under
// prefix, so multiple stores can share a redis database.
func OpenRedis(rdb *redis.Client, prefix string) *RedisDB {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisDB{rdb: rdb, prefix: prefix}
}

func (s *RedisDB) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrAbsent
	} else if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisDB) AtomicUpsert(ctx context.Context, key string, mutate func(value []byte, exists bool) ([]byte, error)) error {
	rkey := s.prefix + key
	txf := func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, rkey).Bytes()
		exists := err == nil
		if err != nil && err != redis.Nil {
			return err
		}
		nv, err := mutate(v, exists)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, nv, 0)
			return nil
		})
		return err
	}
	for i := 0; i < redisMaxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rkey)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return errors.New("reportstore: redis upsert: too many transaction conflicts")
}

func (s *RedisDB) RangeScan(ctx context.Context, prefix string, fn func(key string, value []byte) (bool, error)) error {
	// SCAN returns keys unordered, but the caller gets them in key order.
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.prefix+prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return err
	}
	slices.Sort(keys)

	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err == ErrAbsent {
			// Removed between scan and read.
			continue
		} else if err != nil {
			return err
		}
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (s *RedisDB) AtomicTake(ctx context.Context, key string) ([]byte, error) {
	rkey := s.prefix + key
	// GETDEL is atomic, exactly one concurrent taker sees the value.
	v, err := s.rdb.GetDel(ctx, rkey).Bytes()
	if err == redis.Nil {
		return nil, ErrAbsent
	} else if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *RedisDB) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *RedisDB) Close() error {
	return s.rdb.Close()
}
