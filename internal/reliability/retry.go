package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ExponentialBackoff implements exponential backoff retry policy
type ExponentialBackoff struct {
	InitialInterval time.Duration // wait before the first retry
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int // negative means retry until the context ends
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxRetries:      maxRetries,
		Jitter:          true,
	}
}

// PowerOfTwo waits base*2^attempt before retry number attempt, without
// jitter: 2s, 4s, 8s for a one second base.
func PowerOfTwo(base time.Duration, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: 2 * base,
		MaxInterval:     base << 16,
		Multiplier:      2,
		MaxRetries:      maxRetries,
	}
}

// BackOff returns a fresh backoff.BackOff for one retry sequence.
func (e *ExponentialBackoff) BackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.InitialInterval
	bo.MaxInterval = e.MaxInterval
	bo.Multiplier = e.Multiplier
	bo.RandomizationFactor = 0
	if e.Jitter {
		bo.RandomizationFactor = 0.15
	}
	bo.Reset()
	return bo
}

// NextDelay returns the wait before retry number attempt (1-based).
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	bo := e.BackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// Retry runs op until it succeeds, returns a permanent error, runs out of
// retries or ctx ends. onRetry is called before each wait.
func Retry[T any](ctx context.Context, policy *ExponentialBackoff, op func() (T, error), onRetry func(attempt int, wait time.Duration, err error)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy.BackOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if policy.MaxRetries >= 0 {
		opts = append(opts, backoff.WithMaxTries(uint(policy.MaxRetries)+1))
	}
	if onRetry != nil {
		attempt := 0
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			attempt++
			onRetry(attempt, wait, err)
		}))
	}
	return backoff.Retry(ctx, op, opts...)
}

// Permanent stops Retry and returns err unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
