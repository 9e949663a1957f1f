// Package retry runs bounded retries with exponential backoff around calls
// to the payment processor.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanent struct{ err error }

func (e *permanent) Error() string { return e.err.Error() }
func (e *permanent) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff sleep. Zero means no cap.
	MaxDelay time.Duration
	// Retryable classifies failures. When nil every error is retried
	// unless wrapped with Permanent.
	Retryable func(error) bool
	// OnRetry is called before each sleep with the attempt that just
	// failed, starting at 1.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is three attempts starting at 200ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Backoff returns the sleep after the given failed attempt: BaseDelay
// doubled per attempt with +-25% jitter, then capped.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && (p.MaxDelay == 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if q := int64(d / 4); q > 0 {
		d += time.Duration(rand.Int64N(2*q+1) - q)
	}
	return d
}

// Do calls fn until it succeeds, fails permanently, the attempts run out
// or ctx is done. fn receives the 1-based attempt number. A cancellation
// during backoff returns the last attempt's error joined with ctx.Err().
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var pe *permanent
		if errors.As(err, &pe) {
			return pe.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			// Keep the attempt's error: callers classify the outcome by it.
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}
