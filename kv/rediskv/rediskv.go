// Package rediskv implements kv.Store over Redis.
package rediskv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360studio/semflow/kv"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 256

// Store implements kv.Store. Every key is stored under prefix so several
// namespaces can share one Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New wraps client. prefix may be empty.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return New(client, prefix), nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return val, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := kv.ValidateKey(key); err != nil {
		return 0, err
	}
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// CompareAndSwap implements kv.Store with WATCH/MULTI. A transaction aborted
// by a concurrent write is reported as kv.ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next []byte) error {
	return s.SwapTTL(ctx, key, expected, next, 0)
}

// SwapTTL implements kv.Store. SET inside the transaction replaces the
// value and its expiry together.
func (s *Store) SwapTTL(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	k := s.key(key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != nil {
				return kv.ErrConflict
			}
		case err != nil:
			return err
		case expected == nil || !bytes.Equal(cur, expected):
			return kv.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return kv.ErrConflict
	default:
		return fmt.Errorf("cas %s: %w", key, err)
	}
}

// Keys implements kv.Store using SCAN.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
