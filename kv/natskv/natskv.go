// Package natskv implements kv.Store over a JetStream key-value bucket.
//
// Per-key TTLs use JetStream message TTLs, so the bucket is created with
// limit markers enabled. Compare-and-swap is a revision-checked update; a
// write that also sets a TTL is published directly to the key's subject
// with the expected revision and a message TTL, so the key is never absent
// in between.
package natskv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/kv"
)

// casAttempts bounds the internal read-modify-write loops of Set and Incr.
const casAttempts = 16

// Config configures the bucket.
type Config struct {
	Bucket      string
	Description string
	// History is the number of revisions kept per key.
	History uint8
	// MarkerTTL is how long expiry markers are retained.
	MarkerTTL time.Duration
	Storage   jetstream.StorageType
}

// DefaultConfig returns defaults for bucket.
func DefaultConfig(bucket string) Config {
	return Config{
		Bucket:      bucket,
		Description: "Semflow coordination state",
		History:     1,
		MarkerTTL:   time.Minute,
		Storage:     jetstream.FileStorage,
	}
}

// Store implements kv.Store.
type Store struct {
	kv     jetstream.KeyValue
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New opens or creates the bucket.
func New(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name required")
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	if cfg.MarkerTTL == 0 {
		cfg.MarkerTTL = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	var bucket jetstream.KeyValue
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		b, err := getOrCreateBucket(ctx, js, cfg)
		if err != nil {
			var apiErr *jetstream.APIError
			if errors.As(err, &apiErr) && apiErr.Code == 400 {
				return retry.NonRetryable(err)
			}
			return err
		}
		bucket = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.Bucket, err)
	}

	logger.Debug("KV bucket ready", "bucket", cfg.Bucket)
	return &Store{
		kv:     bucket,
		js:     js,
		prefix: "$KV." + cfg.Bucket + ".",
		logger: logger,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.KeyValue, error) {
	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:         cfg.Bucket,
		Description:    cfg.Description,
		History:        cfg.History,
		Storage:        cfg.Storage,
		LimitMarkerTTL: cfg.MarkerTTL,
	})
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if isNotFound(err) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Set implements kv.Store. Without a TTL it is a plain put; with one the
// current revision is replaced in place so the TTL applies to the new value.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	k := encodeKey(key)
	if ttl <= 0 {
		if _, err := s.kv.Put(ctx, k, value); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		return nil
	}

	for range casAttempts {
		_, err := s.kv.Create(ctx, k, value, jetstream.KeyTTL(roundTTL(ttl)))
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("set %s: %w", key, err)
		}
		entry, err := s.kv.Get(ctx, k)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("set %s: %w", key, err)
		}
		if err := s.putRevision(ctx, k, value, entry.Revision(), ttl); err == nil {
			return nil
		} else if !isConflict(err) {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return fmt.Errorf("set %s: %w", key, kv.ErrConflict)
}

// putRevision writes value over revision with a message TTL. The bucket
// API has no update-with-TTL, so this publishes to the key subject with the
// same expected-sequence header Update uses.
func (s *Store) putRevision(ctx context.Context, k string, value []byte, revision uint64, ttl time.Duration) error {
	opts := []jetstream.PublishOpt{jetstream.WithExpectLastSequencePerSubject(revision)}
	if ttl > 0 {
		opts = append(opts, jetstream.WithMsgTTL(roundTTL(ttl)))
	}
	_, err := s.js.Publish(ctx, s.prefix+k, value, opts...)
	return err
}

// SetNX implements kv.Store.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	var opts []jetstream.KVCreateOpt
	if ttl > 0 {
		opts = append(opts, jetstream.KeyTTL(roundTTL(ttl)))
	}
	if _, err := s.kv.Create(ctx, encodeKey(key), value, opts...); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return true, nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, encodeKey(key)); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Incr implements kv.Store.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if err := kv.ValidateKey(key); err != nil {
		return 0, err
	}
	k := encodeKey(key)
	for range casAttempts {
		entry, err := s.kv.Get(ctx, k)
		if isNotFound(err) {
			if _, err := s.kv.Create(ctx, k, []byte("1")); err == nil {
				return 1, nil
			} else if !isConflict(err) {
				return 0, fmt.Errorf("incr %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("incr %s: %w", key, err)
		}
		n, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		n++
		if _, err := s.kv.Update(ctx, k, []byte(strconv.FormatInt(n, 10)), entry.Revision()); err == nil {
			return n, nil
		} else if !isConflict(err) {
			return 0, fmt.Errorf("incr %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("incr %s: %w", key, kv.ErrConflict)
}

// CompareAndSwap implements kv.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next []byte) error {
	return s.swap(ctx, key, expected, next, 0)
}

// SwapTTL implements kv.Store.
func (s *Store) SwapTTL(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error {
	return s.swap(ctx, key, expected, next, ttl)
}

func (s *Store) swap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	k := encodeKey(key)
	if expected == nil {
		var opts []jetstream.KVCreateOpt
		if ttl > 0 {
			opts = append(opts, jetstream.KeyTTL(roundTTL(ttl)))
		}
		if _, err := s.kv.Create(ctx, k, next, opts...); err != nil {
			if isConflict(err) {
				return kv.ErrConflict
			}
			return fmt.Errorf("cas %s: %w", key, err)
		}
		return nil
	}

	entry, err := s.kv.Get(ctx, k)
	if err != nil {
		if isNotFound(err) {
			return kv.ErrConflict
		}
		return fmt.Errorf("cas %s: %w", key, err)
	}
	if !bytes.Equal(entry.Value(), expected) {
		return kv.ErrConflict
	}
	if ttl > 0 {
		err = s.putRevision(ctx, k, next, entry.Revision(), ttl)
	} else {
		_, err = s.kv.Update(ctx, k, next, entry.Revision())
	}
	if err != nil {
		if isConflict(err) {
			return kv.ErrConflict
		}
		return fmt.Errorf("cas %s: %w", key, err)
	}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for k := range lister.Keys() {
		key := decodeKey(k)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close implements kv.Store. The connection belongs to the caller.
func (s *Store) Close() error {
	return nil
}

// NATS KV keys allow '.' but not ':'.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

// roundTTL rounds up to whole seconds, the granularity of message TTLs.
func roundTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return (ttl + time.Second - 1).Truncate(time.Second)
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
