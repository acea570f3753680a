package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jobfleet/internal/batch"
	"jobfleet/internal/job"
)

// recorder is a Notifier that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (r *recorder) Notify(e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Stats() Stats                    { return Stats{} }
func (r *recorder) Close(ctx context.Context) error { return nil }

func TestNewPublisherDisabled(t *testing.T) {
	t.Parallel()
	if NewPublisher(nil, "http://hooks.example.com", "") != nil {
		t.Error("expected nil publisher without notifier")
	}
	if NewPublisher(&recorder{}, "", "") != nil {
		t.Error("expected nil publisher without destination")
	}

	// A nil publisher is usable.
	var p *Publisher
	p.BatchCompleted("run-1", batch.Result{})
	p.RunCompleted("run-1", nil, nil)
	p.OnBatch("run-1")(context.Background(), batch.Result{})
}

func TestPublisherBatchCompleted(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := NewPublisher(rec, "http://hooks.example.com/jobfleet", "key")

	p.OnBatch("run-1")(context.Background(), batch.Result{
		Number: 2, Size: 20, Succeeded: 19, Failed: 1, Submitted: 40, Total: 45, Duration: 1500 * time.Millisecond,
	})

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	e := rec.events[0]
	if e.Destination != "http://hooks.example.com/jobfleet" || e.SigningKey != "key" {
		t.Errorf("unexpected event routing %+v", e)
	}
	if e.Payload.Type != EventBatchCompleted || e.Payload.Subject != "run-1" || e.Payload.Source != Source {
		t.Errorf("unexpected payload %+v", e.Payload)
	}
	want := BatchCompletedData{RunID: "run-1", Batch: 2, Size: 20, Succeeded: 19, Failed: 1, Submitted: 40, Total: 45, DurationSeconds: 1.5}
	if got := e.Payload.Data.(BatchCompletedData); got != want {
		t.Errorf("data = %+v, want %+v", got, want)
	}
}

func TestPublisherRunCompleted(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := NewPublisher(rec, "http://hooks.example.com", "")

	summary := &batch.Summary{
		Requested: 3, Submitted: 3, Succeeded: 2, Failed: 1, Batches: 1,
		Outcomes: []job.Outcome{
			{Index: 0, Spec: job.Spec{Name: "a"}, Handle: &job.Handle{ID: "1"}},
			{Index: 1, Spec: job.Spec{Name: "b"}, Err: errors.New("boom")},
			{Index: 2, Spec: job.Spec{Name: "c"}, Handle: &job.Handle{ID: "3"}},
		},
	}
	p.RunCompleted("run-1", summary, nil)
	p.RunCompleted("run-2", summary, context.Canceled)

	first := rec.events[0].Payload.Data.(RunCompletedData)
	if first.Cancelled || first.Error != "" || first.Failed != 1 || len(first.FailedJobs) != 1 || first.FailedJobs[0] != "b" {
		t.Errorf("unexpected data %+v", first)
	}
	second := rec.events[1].Payload.Data.(RunCompletedData)
	if !second.Cancelled || second.Error == "" {
		t.Errorf("expected cancelled run, got %+v", second)
	}
}

func TestPublisherSwallowsNotifyErrors(t *testing.T) {
	t.Parallel()
	p := NewPublisher(&recorder{err: ErrBufferFull}, "http://hooks.example.com", "")
	p.RunCompleted("run-1", nil, errors.New("validation failed"))
}
