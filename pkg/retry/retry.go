// Package retry runs an operation with a bounded number of attempts and
// backoff between them.
package retry

import (
	"context"
	"errors"
	"time"

	"jobfleet/pkg/backoff"
)

// DefaultMaxAttempts is the number of tries made when Policy.MaxAttempts is unset.
const DefaultMaxAttempts = 4

// Policy describes how an operation is retried. The zero value retries every
// error up to DefaultMaxAttempts times using backoff.SubmitDefault.
type Policy struct {
	MaxAttempts int          // total tries including the first (default: 4)
	Backoff     backoff.Func // wait after failed attempt n (default: 1s + 2^n s)

	// Retryable reports whether an error may be retried.
	// Nil treats every error as retryable.
	Retryable func(error) bool

	// Sleep waits between attempts. Nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do invokes op until it succeeds, a non-retryable error is returned, the
// attempt budget is exhausted or ctx is cancelled during a backoff sleep.
// It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	_, attempts, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return attempts, err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, int, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := range p.MaxAttempts {
		v, err := op(ctx)
		if err == nil {
			return v, attempt + 1, nil
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 || (p.Retryable != nil && !p.Retryable(err)) {
			return zero, attempt + 1, lastErr
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := p.Sleep(ctx, wait); err != nil {
			return zero, attempt + 1, errors.Join(lastErr, err)
		}
	}
	return zero, p.MaxAttempts, lastErr
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff == nil {
		p.Backoff = backoff.SubmitDefault
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
