package notify

import (
	"context"
	"errors"
	"log/slog"

	"jobfleet/internal/batch"
	"jobfleet/pkg/cloudevent"
)

// Event types
const (
	EventBatchCompleted = "jobfleet.batch.completed"
	EventRunCompleted   = "jobfleet.run.completed"
)

// Source is the CloudEvents source of every event.
const Source = "jobfleet"

// BatchCompletedData is the payload of EventBatchCompleted.
type BatchCompletedData struct {
	RunID           string  `json:"runId"`
	Batch           int     `json:"batch"`
	Size            int     `json:"size"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	Submitted       int     `json:"submitted"`
	Total           int     `json:"total"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// RunCompletedData is the payload of EventRunCompleted.
type RunCompletedData struct {
	RunID      string   `json:"runId"`
	Requested  int      `json:"requested"`
	Submitted  int      `json:"submitted"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Batches    int      `json:"batches"`
	Cancelled  bool     `json:"cancelled"`
	Error      string   `json:"error,omitempty"`
	FailedJobs []string `json:"failedJobs,omitempty"`
}

// Publisher turns batch progress into webhook events. A nil *Publisher
// publishes nothing.
type Publisher struct {
	notifier    Notifier
	destination string
	signingKey  string
	logger      *slog.Logger
}

// NewPublisher returns nil when n is nil or no destination is configured.
func NewPublisher(n Notifier, destination, signingKey string) *Publisher {
	if n == nil || destination == "" {
		return nil
	}
	return &Publisher{
		notifier:    n,
		destination: destination,
		signingKey:  signingKey,
		logger:      slog.With("component", "publisher"),
	}
}

// OnBatch returns a batch.Config.OnBatch hook publishing EventBatchCompleted.
func (p *Publisher) OnBatch(runID string) func(ctx context.Context, r batch.Result) {
	return func(_ context.Context, r batch.Result) {
		p.BatchCompleted(runID, r)
	}
}

// BatchCompleted publishes one resolved batch.
func (p *Publisher) BatchCompleted(runID string, r batch.Result) {
	if p == nil {
		return
	}
	p.publish(cloudevent.New(EventBatchCompleted, Source, runID, BatchCompletedData{
		RunID:           runID,
		Batch:           r.Number,
		Size:            r.Size,
		Succeeded:       r.Succeeded,
		Failed:          r.Failed,
		Submitted:       r.Submitted,
		Total:           r.Total,
		DurationSeconds: r.Duration.Seconds(),
	}))
}

// RunCompleted publishes the end of a run. summary may be nil when the run
// failed before dispatching anything.
func (p *Publisher) RunCompleted(runID string, summary *batch.Summary, runErr error) {
	if p == nil {
		return
	}
	data := RunCompletedData{
		RunID:     runID,
		Cancelled: errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded),
	}
	if runErr != nil {
		data.Error = runErr.Error()
	}
	if summary != nil {
		data.Requested = summary.Requested
		data.Submitted = summary.Submitted
		data.Succeeded = summary.Succeeded
		data.Failed = summary.Failed
		data.Batches = summary.Batches
		for _, o := range summary.Outcomes {
			if !o.Succeeded() {
				data.FailedJobs = append(data.FailedJobs, o.Spec.Name)
			}
		}
	}
	p.publish(cloudevent.New(EventRunCompleted, Source, runID, data))
}

func (p *Publisher) publish(payload *cloudevent.CloudEvent) {
	err := p.notifier.Notify(&Event{
		Payload:     payload,
		Destination: p.destination,
		SigningKey:  p.signingKey,
	})
	if err != nil {
		p.logger.Warn("Failed to queue event", "type", payload.Type, "subject", payload.Subject, "error", err)
	}
}
