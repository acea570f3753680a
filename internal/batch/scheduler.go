// Package batch dispatches job submissions in sequential, bounded batches.
package batch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/job"
	"jobfleet/internal/observability"
)

// Submitter submits a single job. *job.Submitter satisfies it.
type Submitter interface {
	Submit(ctx context.Context, spec job.Spec) job.Outcome
}

// SpecFactory builds the job.Spec of a global job index.
type SpecFactory func(index int) job.Spec

// Result describes one resolved batch.
type Result struct {
	Number    int           `json:"number"` // 1-based
	Size      int           `json:"size"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Submitted int           `json:"submitted"` // cumulative across the run
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
}

// Summary is the outcome of a whole run. Outcomes are ordered by global index.
type Summary struct {
	Requested int           `json:"requested"`
	Submitted int           `json:"submitted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Batches   int           `json:"batches"`
	Outcomes  []job.Outcome `json:"outcomes"`
}

// Config configures a Scheduler.
type Config struct {
	// OnBatch is called after each batch resolves, before the next starts.
	OnBatch func(ctx context.Context, r Result)
	Metrics *observability.Metrics
}

// Scheduler runs batches of submissions. A batch of n specs runs on exactly
// n workers and the next batch starts only after all of them return.
type Scheduler struct {
	submitter Submitter
	onBatch   func(ctx context.Context, r Result)
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(submitter Submitter, cfg Config) *Scheduler {
	return &Scheduler{
		submitter: submitter,
		onBatch:   cfg.OnBatch,
		metrics:   cfg.Metrics,
		logger:    slog.With("component", "scheduler"),
	}
}

// Batches returns the sizes of the batches Run dispatches for total jobs.
func Batches(total, batchSize int) []int {
	if total <= 0 || batchSize <= 0 {
		return nil
	}
	sizes := make([]int, 0, (total+batchSize-1)/batchSize)
	for submitted := 0; submitted < total; {
		chunk := min(batchSize, total-submitted)
		sizes = append(sizes, chunk)
		submitted += chunk
	}
	return sizes
}

// Run submits total jobs in batches of at most batchSize. Per-job failures are
// recorded in the summary and never stop the run. If ctx is cancelled between
// batches, Run returns the partial summary and ctx.Err().
func (s *Scheduler) Run(ctx context.Context, total, batchSize int, factory SpecFactory) (*Summary, error) {
	switch {
	case total < 0:
		return nil, apperrors.Validation("totalJobs", "total jobs must not be negative")
	case batchSize <= 0:
		return nil, apperrors.Validation("batchSize", "batch size must be positive")
	case factory == nil:
		return nil, apperrors.Validation("factory", "spec factory is required")
	}

	// Outcomes grow batch by batch; total is caller input.
	summary := &Summary{
		Requested: total,
		Outcomes:  make([]job.Outcome, 0, min(total, batchSize)),
	}
	s.logger.Info("Batch run starting", "total", total, "batchSize", batchSize)

	for summary.Submitted < total {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Batch run cancelled", "submitted", summary.Submitted, "total", total)
			return summary, err
		}

		chunk := min(batchSize, total-summary.Submitted)
		specs := make([]job.Spec, chunk)
		for i := range chunk {
			specs[i] = factory(summary.Submitted + i)
		}

		start := time.Now()
		batchCtx, span := observability.Tracer().Start(ctx, "batch.dispatch", trace.WithAttributes(
			attribute.Int("batch.number", summary.Batches+1),
			attribute.Int("batch.size", chunk),
		))
		outcomes := s.dispatch(batchCtx, summary.Submitted, specs)

		r := Result{
			Number: summary.Batches + 1,
			Size:   chunk,
			Total:  total,
		}
		for _, o := range outcomes {
			if o.Succeeded() {
				r.Succeeded++
			} else {
				r.Failed++
			}
		}
		summary.Outcomes = append(summary.Outcomes, outcomes...)
		summary.Submitted += chunk
		summary.Succeeded += r.Succeeded
		summary.Failed += r.Failed
		summary.Batches++

		r.Submitted = summary.Submitted
		r.Duration = time.Since(start)
		span.SetAttributes(attribute.Int("batch.failed", r.Failed))
		span.End()
		s.metrics.RecordBatch(ctx, r.Size, r.Failed, r.Duration.Seconds())
		s.logger.Info("Batch completed",
			"batch", r.Number,
			"progress", r.Submitted,
			"total", total,
			"succeeded", r.Succeeded,
			"failed", r.Failed,
			"duration", r.Duration,
		)
		if s.onBatch != nil {
			s.onBatch(ctx, r)
		}
	}

	s.logger.Info("Batch run completed",
		"total", total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"batches", summary.Batches,
	)
	return summary, nil
}

// dispatch submits specs concurrently and returns their outcomes indexed from
// offset. Outcomes arrive on a completion channel and are logged in the order
// the workers finish.
func (s *Scheduler) dispatch(ctx context.Context, offset int, specs []job.Spec) []job.Outcome {
	done := make(chan job.Outcome, len(specs))

	var g errgroup.Group
	g.SetLimit(len(specs))
	for i, spec := range specs {
		g.Go(func() error {
			out := s.submitter.Submit(ctx, spec)
			out.Index = offset + i
			done <- out
			return nil
		})
	}

	outcomes := make([]job.Outcome, len(specs))
	for range specs {
		out := <-done
		if out.Succeeded() {
			s.logger.Debug("Job submitted", "index", out.Index, "job", out.Spec.Name, "attempts", out.Attempts)
		} else {
			s.logger.Error("Job failed", "index", out.Index, "job", out.Spec.Name, "attempts", out.Attempts, "error", out.Err)
		}
		outcomes[out.Index-offset] = out
	}
	// Workers report through done and never return an error.
	_ = g.Wait()

	return outcomes
}
