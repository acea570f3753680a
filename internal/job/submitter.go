package job

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/observability"
	"jobfleet/pkg/retry"
)

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	Infrastructure Infrastructure
	Policy         retry.Policy  // OnRetry is replaced by the submitter
	Limiter        *rate.Limiter // nil for unlimited
	Backend        string        // metrics label
	Metrics        *observability.Metrics
}

// Submitter creates jobs through a Client, retrying failed creates.
//
// Submit never returns an error: failures are reported in the Outcome so a
// batch can keep going when one job fails.
type Submitter struct {
	client  Client
	infra   Infrastructure
	policy  retry.Policy
	limiter *rate.Limiter
	backend string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(client Client, cfg SubmitterConfig) *Submitter {
	return &Submitter{
		client:  client,
		infra:   cfg.Infrastructure,
		policy:  cfg.Policy,
		limiter: cfg.Limiter,
		backend: cfg.Backend,
		metrics: cfg.Metrics,
		logger:  slog.With("component", "submitter"),
	}
}

// Submit validates spec and creates it, retrying per the policy.
func (s *Submitter) Submit(ctx context.Context, spec Spec) Outcome {
	ctx, span := observability.Tracer().Start(ctx, "job.submit",
		trace.WithAttributes(attribute.String("job.name", spec.Name)))
	defer span.End()

	out := Outcome{Spec: spec}
	logger := s.logger.With("job", spec.Name)

	if err := ValidateName(spec.Name); err != nil {
		out.Err = apperrors.Submission(spec.Name, 0, err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Training job rejected", "error", err)
		return out
	}

	req := s.request(spec)
	policy := s.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("Training job submission failed, retrying",
			"attempt", attempt+1,
			"wait", wait,
			"error", err,
		)
		s.metrics.RecordSubmissionRetry(ctx, s.backend)
	}

	s.metrics.RecordSubmissionStarted(ctx, s.backend)
	handle, attempts, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*Handle, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		h, err := s.client.CreateJob(ctx, req)
		if err == nil && h == nil {
			err = errors.New("backend returned no job handle")
		}
		return h, err
	})
	out.Attempts = attempts
	s.metrics.RecordSubmission(ctx, s.backend, err == nil, attempts)
	span.SetAttributes(attribute.Int("job.attempts", attempts))

	if err != nil {
		out.Err = apperrors.Submission(spec.Name, attempts, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		logger.Error("Training job submission failed", "attempts", attempts, "error", err)
		return out
	}

	out.Handle = handle
	logger.Info("Training job starting", "id", handle.ID, "attempts", attempts)
	return out
}

func (s *Submitter) request(spec Spec) *CreateRequest {
	req := &CreateRequest{
		Spec:           spec,
		Infrastructure: s.infra,
	}
	if spec.Spot {
		req.MaxWait = s.infra.MaxRuntime
	}
	return req
}
