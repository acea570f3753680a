// Package testutil provides polling helpers for tests that drive real or
// asynchronous job backends.
package testutil

import (
	"context"
	"slices"
	"testing"
	"time"

	"jobfleet/internal/job"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := WaitForValue(tb, func() (struct{}, bool) {
		return struct{}{}, condition()
	}, opts...)
	return ok
}

// WaitForValue polls fn until it reports done, returning the last value.
func WaitForValue[T any](tb testing.TB, fn func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.Timeout)
	var v T
	for time.Now().Before(deadline) {
		var done bool
		if v, done = fn(); done {
			return v, true
		}
		time.Sleep(o.Interval)
	}
	return v, false
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForJob polls DescribeJob until the job reaches one of statuses and
// returns its final description. Describe errors are retried until timeout.
func MustWaitForJob(tb testing.TB, ctx context.Context, c job.Client, name string, statuses []string, opts ...WaitOption) *job.Description {
	tb.Helper()

	var lastErr error
	desc, ok := WaitForValue(tb, func() (*job.Description, bool) {
		d, err := c.DescribeJob(ctx, name)
		if err != nil {
			lastErr = err
			return nil, false
		}
		return d, slices.Contains(statuses, d.Status)
	}, opts...)
	if !ok {
		status := "unknown"
		if desc != nil {
			status = desc.Status
		}
		tb.Fatalf("timed out waiting for job %s to reach %v (status: %s, last error: %v)", name, statuses, status, lastErr)
	}
	return desc
}
