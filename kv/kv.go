// Package kv defines the key-value port backing idempotency markers,
// distributed locks and workflow snapshots. Adapters live in sub-packages.
//
// Keys are ':'-separated tokens such as "idem:coordinator:msg-1". Tokens may
// contain letters, digits, '-', '_' and '='.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned when a compare-and-swap loses to a concurrent writer.
	ErrConflict = errors.New("compare-and-swap conflict")
)

// Store is the key-value port.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value unconditionally. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr atomically adds one to an integer counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// CompareAndSwap replaces expected with next. A nil expected requires the
	// key to be absent. A mismatch returns ErrConflict.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte) error
	// SwapTTL is CompareAndSwap that also sets a fresh ttl on next. The key
	// is never absent between the two values.
	SwapTTL(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Key joins tokens into a key.
func Key(tokens ...string) string {
	return strings.Join(tokens, ":")
}

// ValidateKey rejects keys the adapters cannot store portably.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	for _, token := range strings.Split(key, ":") {
		if token == "" {
			return fmt.Errorf("key %q has an empty token", key)
		}
		for _, r := range token {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' || r == '_' || r == '=':
			default:
				return fmt.Errorf("key %q contains invalid character %q", key, r)
			}
		}
	}
	return nil
}
