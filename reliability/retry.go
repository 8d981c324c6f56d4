// Package reliability provides the primitives that turn at-least-once
// delivery into exactly-once effect: Once for idempotent side effects,
// Retry for bounded exponential backoff, and Lock for short-lived mutual
// exclusion. All of them work over the kv.Store port only.
package reliability

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360studio/semflow/errs"
)

// Policy configures Retry.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every wait.
	MaxDelay time.Duration

	// Jitter adds a random fraction in [0, Jitter) of the computed delay.
	// Values are clamped to [0, 1).
	Jitter float64

	// OnRetry, when set, is called after a failed attempt that will be
	// retried, with the wait that follows.
	OnRetry func(failed errs.Attempt, next time.Duration)

	// random returns a value in [0, 1). Tests replace it.
	random func() float64
}

// DefaultPolicy returns defaults for handler retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
	}
}

// WithMaxAttempts returns a copy of p with the attempt budget replaced.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Backoff returns the wait before retry n, n >= 1: base*2^(n-1) plus
// jitter, capped at MaxDelay. Capping after jitter keeps successive waits
// non-decreasing.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}

	if j := clampJitter(p.Jitter); j > 0 {
		r := p.random
		if r == nil {
			r = rand.Float64
		}
		delay += time.Duration(float64(delay) * j * r())
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func clampJitter(j float64) float64 {
	switch {
	case j < 0:
		return 0
	case j >= 1:
		return 0.999
	default:
		return j
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. attempt starts at 1.
//
// A non-retryable error (see errs.Retryable) is returned as is. Exhaustion
// returns *errs.ExhaustedRetriesError carrying every attempt. Cancellation
// of ctx while waiting returns ctx.Err() wrapped.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var history []errs.Attempt
	var delay time.Duration
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		started := time.Now()
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		record := errs.Attempt{Number: attempt, Err: err, At: started, Delay: delay}
		history = append(history, record)

		if !errs.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay = p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(record, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return &errs.ExhaustedRetriesError{Attempts: history}
}
