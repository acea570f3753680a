package testutil

import (
	"context"
	"testing"
	"time"

	"jobfleet/internal/job"
	"jobfleet/internal/job/jobtest"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))

	if !result {
		t.Error("expected WaitFor to return true for immediate success")
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	counter := 0
	result := WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, WithTimeout(time.Second), WithInterval(10*time.Millisecond))

	if !result {
		t.Error("expected WaitFor to return true for eventual success")
	}
	if counter < 3 {
		t.Errorf("expected counter >= 3, got %d", counter)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return false
	}, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))

	if result {
		t.Error("expected WaitFor to return false on timeout")
	}
}

func TestWaitForValue(t *testing.T) {
	t.Parallel()
	n := 0
	v, ok := WaitForValue(t, func() (int, bool) {
		n++
		return n * 10, n == 4
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))

	if !ok || v != 40 {
		t.Errorf("WaitForValue() = %d, %v; want 40, true", v, ok)
	}
}

func TestMustWaitForJob(t *testing.T) {
	t.Parallel()
	c := jobtest.New()
	c.AddJob("job-1", job.StatusInProgress, job.MetricRecord{MetricName: "ROC AUC", Value: 0.9})

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.SetStatus("job-1", job.StatusCompleted)
	}()

	desc := MustWaitForJob(t, context.Background(), c, "job-1",
		[]string{job.StatusCompleted, job.StatusFailed},
		WithTimeout(time.Second), WithInterval(5*time.Millisecond))

	if desc.Status != job.StatusCompleted || len(desc.FinalMetrics) != 1 {
		t.Errorf("unexpected description %+v", desc)
	}
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	WithTimeout(5 * time.Second)(&opts)

	if opts.Timeout != 5*time.Second {
		t.Errorf("expected Timeout to be 5s, got %v", opts.Timeout)
	}
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()

	if opts.Timeout != 30*time.Second {
		t.Errorf("expected default Timeout to be 30s, got %v", opts.Timeout)
	}
	if opts.Interval != 100*time.Millisecond {
		t.Errorf("expected default Interval to be 100ms, got %v", opts.Interval)
	}
}
