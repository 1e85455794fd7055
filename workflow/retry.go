package workflow

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures the retry wrappers.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int `json:"max_attempts"`
	// BackoffFactor is the base wait before the second attempt; the wait
	// doubles for every attempt after that.
	BackoffFactor time.Duration `json:"backoff_factor"`
	// Matches decides whether an error is retried. A nil predicate retries
	// every error except ErrBreakerOpen and ErrUnknownTaskType, which are
	// never retried: the breaker governs when the downstream is probed
	// again, and a missing handler is a configuration bug no retry can fix.
	Matches func(error) bool `json:"-"`
}

// DefaultRetryPolicy mirrors the retry defaults used across the pipeline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BackoffFactor: 100 * time.Millisecond,
	}
}

// ExponentialBackoff computes the wait before the given 1-indexed attempt:
// factor * 2^(attempt-1) plus a uniform jitter in [0, 20% of the base).
// The jitter keeps simultaneous retriers from hammering a recovering
// dependency in lockstep.
func ExponentialBackoff(attempt int, factor time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := factor << (attempt - 1)
	if n := int64(base) / 5; n > 0 {
		base += time.Duration(rand.Int64N(n))
	}
	return base
}

// RetryOnError invokes fn up to policy.MaxAttempts times, sleeping per
// ExponentialBackoff between attempts. The final failure is returned
// without sleeping. Errors rejected by policy.Matches propagate
// immediately without consuming further attempts.
func RetryOnError(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (any, error)) (any, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrUnknownTaskType) {
			return nil, err
		}
		if policy.Matches != nil && !policy.Matches(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, ExponentialBackoff(attempt, policy.BackoffFactor)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// RetryOnResult invokes fn until validate accepts the result, up to
// policy.MaxAttempts times. On exhaustion it returns the last (invalid)
// result with a nil error; errors from fn itself propagate immediately.
func RetryOnResult(ctx context.Context, policy RetryPolicy, validate func(any) bool, fn func(ctx context.Context) (any, error)) (any, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last any
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if validate == nil || validate(result) {
			return result, nil
		}
		last = result

		if attempt == attempts {
			break
		}
		if err := sleepContext(ctx, ExponentialBackoff(attempt, policy.BackoffFactor)); err != nil {
			return nil, err
		}
	}
	return last, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
