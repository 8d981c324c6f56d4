package reliability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semflow/kv"
)

// DefaultClaimLease bounds how long a running claim outlives a process that
// died while holding it.
const DefaultClaimLease = 30 * time.Second

// Claim markers stored under an idempotency key.
var (
	claimRunning = []byte("running")
	claimDone    = []byte("done")
)

// IdempotencyKey returns the KV key guarding id within scope. id is encoded
// so that any non-empty string yields a valid key token.
func IdempotencyKey(scope, id string) string {
	return kv.Key("idem", scope, base64.RawURLEncoding.EncodeToString([]byte(id)))
}

// Once runs fn at most once per key within ttl, holding the claim with
// DefaultClaimLease while fn runs.
func Once(ctx context.Context, store kv.Store, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	return OnceWithLease(ctx, store, key, DefaultClaimLease, ttl, fn)
}

// OnceWithLease runs fn at most once per key within ttl.
//
// The caller that wins the SetNX claim runs fn; every other caller returns
// executed=false without running it. The running claim lives for lease and
// is renewed while fn runs, so a crash frees the key within one lease. When
// fn fails the claim is released so a redelivery can try again. When fn
// succeeds the claim is swapped to done and kept for ttl.
func OnceWithLease(ctx context.Context, store kv.Store, key string, lease, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	claimed, err := store.SetNX(ctx, key, claimRunning, lease)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return false, nil
	}

	stop := renewClaim(ctx, store, key, lease)
	err = fn(ctx)
	stop()

	// Settle with a fresh context so a cancelled ctx does not leave the
	// claim blocking redelivery until the lease expires.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		if relErr := store.Delete(settleCtx, key); relErr != nil {
			return true, errors.Join(err, fmt.Errorf("release %s: %w", key, relErr))
		}
		return true, err
	}

	if err := store.SwapTTL(settleCtx, key, claimRunning, claimDone, ttl); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			// The lease lapsed and another caller holds the key now.
			return true, nil
		}
		return true, fmt.Errorf("mark %s done: %w", key, err)
	}
	return true, nil
}

// renewClaim extends the running claim every third of lease until stop is
// called. A lost claim ends renewal.
func renewClaim(ctx context.Context, store kv.Store, key string, lease time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(max(lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.SwapTTL(ctx, key, claimRunning, claimRunning, lease); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// Done reports whether key has been claimed and completed.
func Done(ctx context.Context, store kv.Store, key string) (bool, error) {
	val, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(val) == string(claimDone), nil
}
