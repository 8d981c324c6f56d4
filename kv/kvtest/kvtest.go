// Package kvtest holds the behaviour every kv.Store adapter must share.
// Adapter test files call Run with a constructor for a fresh store.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/reliability"
)

// Run exercises store semantics against stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) kv.Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing:key")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "wf:1", []byte("v1"), 0))
		require.NoError(t, s.Set(ctx, "wf:1", []byte("v2"), 0))
		got, err := s.Get(ctx, "wf:1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("setnx claims once", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.SetNX(ctx, "idem:m-1", []byte("claimed"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "idem:m-1", []byte("again"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "idem:m-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("claimed"), got)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "lock:wf:1", []byte("token"), 0))
		require.NoError(t, s.Delete(ctx, "lock:wf:1"))
		_, err := s.Get(ctx, "lock:wf:1")
		assert.ErrorIs(t, err, kv.ErrNotFound)

		ok, err := s.SetNX(ctx, "lock:wf:1", []byte("token-2"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "deleted key can be claimed again")

		assert.NoError(t, s.Delete(ctx, "never:existed"))
	})

	t.Run("incr", func(t *testing.T) {
		s := newStore(t)
		for want := int64(1); want <= 3; want++ {
			n, err := s.Incr(ctx, "seq:wf-1")
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CompareAndSwap(ctx, "wf:cas", nil, []byte("v1")))
		assert.ErrorIs(t, s.CompareAndSwap(ctx, "wf:cas", nil, []byte("v1b")), kv.ErrConflict)

		require.NoError(t, s.CompareAndSwap(ctx, "wf:cas", []byte("v1"), []byte("v2")))
		assert.ErrorIs(t, s.CompareAndSwap(ctx, "wf:cas", []byte("v1"), []byte("v3")), kv.ErrConflict)
		assert.ErrorIs(t, s.CompareAndSwap(ctx, "wf:absent", []byte("v1"), []byte("v2")), kv.ErrConflict)

		got, err := s.Get(ctx, "wf:cas")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("swap ttl", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.SetNX(ctx, "idem:swap", []byte("running"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		assert.ErrorIs(t, s.SwapTTL(ctx, "idem:swap", []byte("other"), []byte("done"), time.Second), kv.ErrConflict)
		assert.ErrorIs(t, s.SwapTTL(ctx, "idem:absent", []byte("running"), []byte("done"), time.Second), kv.ErrConflict)
		require.NoError(t, s.SwapTTL(ctx, "idem:swap", []byte("running"), []byte("done"), time.Second))

		got, err := s.Get(ctx, "idem:swap")
		require.NoError(t, err)
		assert.Equal(t, []byte("done"), got)

		require.Eventually(t, func() bool {
			_, err := s.Get(ctx, "idem:swap")
			return errors.Is(err, kv.ErrNotFound)
		}, 5*time.Second, 50*time.Millisecond, "swap applies the new ttl")
	})

	t.Run("set with ttl replaces in place", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "idem:set", []byte("v1"), time.Minute))
		require.NoError(t, s.Set(ctx, "idem:set", []byte("v2"), time.Minute))

		ok, err := s.SetNX(ctx, "idem:set", []byte("v3"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "idem:set")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("keys by prefix", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "task:a", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "task:b", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "wf:a", []byte("1"), 0))

		keys, err := s.Keys(ctx, "task:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"task:a", "task:b"}, keys)

		keys, err = s.Keys(ctx, "none:")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.SetNX(ctx, "idem:short", []byte("x"), time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			_, err := s.Get(ctx, "idem:short")
			return errors.Is(err, kv.ErrNotFound)
		}, 5*time.Second, 50*time.Millisecond)

		ok, err = s.SetNX(ctx, "idem:short", []byte("y"), time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "expired claim can be taken again")
	})

	t.Run("concurrent setnx has one winner", func(t *testing.T) {
		s := newStore(t)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetNX(ctx, "idem:race", []byte(fmt.Sprint(i)), time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("concurrent cas has one winner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CompareAndSwap(ctx, "wf:race", nil, []byte("v0")))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.CompareAndSwap(ctx, "wf:race", []byte("v0"), []byte(fmt.Sprintf("v1-%d", i))); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("concurrent once runs each key once", func(t *testing.T) {
		s := newStore(t)
		const (
			keys    = 10
			callers = 8
			rounds  = 5
		)
		var runs [keys]atomic.Int32
		var wg sync.WaitGroup
		for k := range keys {
			key := reliability.IdempotencyKey("kvtest", fmt.Sprintf("m-%d", k))
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range rounds {
						_, err := reliability.Once(ctx, s, key, time.Hour, func(context.Context) error {
							runs[k].Add(1)
							time.Sleep(time.Millisecond)
							return nil
						})
						assert.NoError(t, err)
					}
				}()
			}
		}
		wg.Wait()
		for k := range keys {
			assert.Equal(t, int32(1), runs[k].Load(), "key %d", k)
		}
	})
}
