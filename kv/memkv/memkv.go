// Package memkv is an in-process kv.Store for tests and local runs.
package memkv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semflow/kv"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Store implements kv.Store with a mutex-guarded map. Expired keys are
// removed lazily.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

var _ kv.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates a store that reads time from now, for TTL tests.
func NewWithClock(now func() time.Time) *Store {
	return &Store{data: make(map[string]entry), now: now}
}

// live returns the entry for key if it exists and has not expired. Callers
// hold the lock.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Set implements kv.Store.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

// SetNX implements kv.Store.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Delete implements kv.Store. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Incr implements kv.Store.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	if err := kv.ValidateKey(key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	e, ok := s.live(key)
	if ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		n = parsed
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	s.data[key] = e
	return n, nil
}

// CompareAndSwap implements kv.Store. The key keeps no TTL.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next []byte) error {
	return s.SwapTTL(ctx, key, expected, next, 0)
}

// SwapTTL implements kv.Store.
func (s *Store) SwapTTL(_ context.Context, key string, expected, next []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	switch {
	case expected == nil && ok:
		return kv.ErrConflict
	case expected != nil && (!ok || !bytes.Equal(e.value, expected)):
		return kv.ErrConflict
	}
	s.put(key, next, ttl)
	return nil
}

// Keys implements kv.Store. Results are sorted.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	return nil
}
