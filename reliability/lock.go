package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/kv"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock held")

// lockPoll is the interval between acquisition attempts in Lock.
const lockPoll = 20 * time.Millisecond

// Release gives up a lock. It only deletes the key while it still holds
// this holder's token.
type Release func(ctx context.Context) error

// LockKey returns the KV key for a named lock.
func LockKey(name string) string {
	return kv.Key("lock", name)
}

// TryLock makes a single attempt to take the lock at key.
func TryLock(ctx context.Context, store kv.Store, key string, ttl time.Duration) (Release, error) {
	token := []byte(uuid.NewString())
	ok, err := store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		return release(ctx, store, key, token)
	}, nil
}

// Lock polls until the lock at key is taken or ctx is done. The lock
// expires after ttl even if never released.
func Lock(ctx context.Context, store kv.Store, key string, ttl time.Duration) (Release, error) {
	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()
	for {
		rel, err := TryLock(ctx, store, key, ttl)
		if !errors.Is(err, ErrLocked) {
			return rel, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release checks the token before deleting. The check and the delete are
// two operations, so a lock that expired and was retaken in between can be
// dropped; callers keep CAS as the correctness check.
func release(ctx context.Context, store kv.Store, key string, token []byte) error {
	cur, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if string(cur) != string(token) {
		return nil
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
