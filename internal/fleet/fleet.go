// Package fleet provides the training job operations shared by the CLI and
// the HTTP service: single and batch submission, listing and metric
// aggregation.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/batch"
	"jobfleet/internal/config"
	"jobfleet/internal/job"
	"jobfleet/internal/notify"
	"jobfleet/internal/objectstore"
	"jobfleet/internal/observability"
	"jobfleet/pkg/backoff"
	"jobfleet/pkg/retry"
)

// Job naming
const (
	NamePrefix      = "anomaly-training-job"
	BatchNamePrefix = NamePrefix + "-batch"
	timestampLayout = "2006-01-02-15-04-05"
)

var errClosed = errors.New("fleet is closed")

// DefaultDatasetPrefix is the dataset of a single job when none is given.
const DefaultDatasetPrefix = "pcb1"

// Object store buckets
const (
	ManifestBucket = "manifests"
	ReportBucket   = "reports"
)

// BatchRequest describes one batch run.
type BatchRequest struct {
	TotalJobs  int    `json:"totalJobs"`
	BatchSize  int    `json:"batchSize"`
	EnableSpot bool   `json:"enableSpot"`
	Suffix     string `json:"suffix"` // random when empty
}

// DefaultBatchRequest returns 20 spot jobs in one batch.
func DefaultBatchRequest() BatchRequest {
	return BatchRequest{TotalJobs: 20, BatchSize: 20, EnableSpot: true}
}

// DefaultListFilter selects completed jobs created by jobfleet.
func DefaultListFilter() job.Filter {
	return job.Filter{Status: job.StatusCompleted, NameContains: NamePrefix}
}

// BatchNameFilter returns the name filter matching every job of a batch suffix.
func BatchNameFilter(suffix string) string {
	return BatchNamePrefix + "-" + suffix
}

// Options holds optional collaborators. The zero value is usable.
type Options struct {
	Metrics   *observability.Metrics
	Publisher *notify.Publisher
	Store     objectstore.Store // manifests and reports are skipped when nil
	Registry  *batch.Registry

	// Sleep replaces the backoff sleep of submission retries.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Fleet submits, lists and aggregates training jobs on one backend.
type Fleet struct {
	run        *config.RunConfig
	client     job.Client
	submitter  *job.Submitter
	lister     *job.Lister
	aggregator *job.Aggregator
	registry   *batch.Registry
	publisher  *notify.Publisher
	store      objectstore.Store
	metrics    *observability.Metrics
	now        func() time.Time

	// background runs
	mu      sync.Mutex
	closed  bool
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
}

// New creates a Fleet for client.
func New(run *config.RunConfig, client job.Client, opts Options) *Fleet {
	run = run.WithDefaults()

	policy := retry.Policy{
		MaxAttempts: run.SubmitMaxAttempts,
		Backoff:     backoff.SubmitDefault,
		Sleep:       opts.Sleep,
	}
	if run.ClassifyErrors {
		policy.Retryable = apperrors.IsRetryable
	}

	var limiter *rate.Limiter
	if run.SubmitRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(run.SubmitRate), run.SubmitBurst)
	}

	registry := opts.Registry
	if registry == nil {
		registry = batch.NewRegistry(
			batch.WithRetention(run.RunRetention),
			batch.WithMaxFinished(run.MaxFinishedRuns),
		)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	baseCtx, stop := context.WithCancel(context.Background())
	f := &Fleet{
		run:    run,
		client: client,
		submitter: job.NewSubmitter(client, job.SubmitterConfig{
			Infrastructure: Infrastructure(run),
			Policy:         policy,
			Limiter:        limiter,
			Backend:        run.Backend,
			Metrics:        opts.Metrics,
		}),
		lister:     job.NewLister(client, run.ListPageSize, opts.Metrics),
		aggregator: job.NewAggregator(client, opts.Metrics),
		registry:   registry,
		publisher:  opts.Publisher,
		store:      opts.Store,
		metrics:    opts.Metrics,
		now:        now,
		baseCtx:    baseCtx,
		stop:       stop,
		logger:     slog.With("component", "fleet"),
	}
	f.logger.Info("Fleet ready",
		"backend", run.Backend,
		"submitMaxAttempts", run.SubmitMaxAttempts,
		"transportMaxAttempts", run.TransportMaxAttempts,
		"worstCaseAttempts", run.WorstCaseAttempts(),
		"attemptTimeout", run.AttemptTimeout(),
		"maxTotalJobs", run.MaxTotalJobs,
		"classifyErrors", run.ClassifyErrors,
	)
	return f
}

// Infrastructure returns the fixed job parameters of run.
func Infrastructure(run *config.RunConfig) job.Infrastructure {
	return job.Infrastructure{
		Image:             run.TrainingImage,
		InstanceType:      run.InstanceType,
		InstanceCount:     run.InstanceCount,
		VolumeSizeGB:      run.VolumeSizeGB,
		CPU:               run.CPU,
		MemoryMB:          run.MemoryMB,
		MaxRuntime:        run.MaxRuntime,
		OutputPath:        run.OutputPath,
		ExecutionRole:     run.ExecutionRole,
		InputMode:         "File",
		MetricDefinitions: job.DefaultMetricDefinitions,
	}
}

// Client returns the backend.
func (f *Fleet) Client() job.Client {
	return f.client
}

// Registry returns the run registry.
func (f *Fleet) Registry() *batch.Registry {
	return f.registry
}

// Dataset returns the dataset reference of prefix.
func (f *Fleet) Dataset(prefix string) string {
	return strings.TrimRight(f.run.DatasetBaseURI, "/") + "/" + prefix + "/"
}

func (f *Fleet) timestamp() string {
	return f.now().Format(timestampLayout)
}

// SubmitSingle submits one job on dataset prefix (DefaultDatasetPrefix if empty).
func (f *Fleet) SubmitSingle(ctx context.Context, prefix string, enableSpot bool) (*job.Handle, error) {
	if prefix == "" {
		prefix = DefaultDatasetPrefix
	}
	name := NamePrefix + "-" + f.timestamp()
	out := f.submitter.Submit(ctx, job.NewSpec(name, f.Dataset(prefix), enableSpot, f.run.Hyperparameters))
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Handle, nil
}

// BatchResult is the outcome of a synchronous batch run.
type BatchResult struct {
	RunID   string         `json:"runId"`
	Suffix  string         `json:"suffix"`
	Summary *batch.Summary `json:"summary"`
}

// SubmitBatch runs req to completion. Per-job failures are reported in the
// summary; the error is set only for invalid requests or cancellation, in
// which case the partial result is still returned.
func (f *Fleet) SubmitBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	req, err := f.prepare(req)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := f.registry.Reserve(runID, req.TotalJobs, req.BatchSize, cancel); err != nil {
		return nil, err
	}

	summary, err := f.execute(ctx, runID, req)
	return &BatchResult{RunID: runID, Suffix: req.Suffix, Summary: summary}, err
}

// StartBatch starts req in the background and returns its initial snapshot.
// The run is cancelled by Registry().Cancel or Close.
func (f *Fleet) StartBatch(req BatchRequest) (batch.Run, error) {
	req, err := f.prepare(req)
	if err != nil {
		return batch.Run{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return batch.Run{}, apperrors.Internal("start batch", errClosed)
	}
	runID := uuid.NewString()

	ctx, cancel := context.WithCancel(f.baseCtx)
	if err := f.registry.Reserve(runID, req.TotalJobs, req.BatchSize, cancel); err != nil {
		cancel()
		return batch.Run{}, err
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				err := apperrors.Internal("batch run", fmt.Errorf("panic: %v", p))
				f.logger.Error("Batch run panicked", "runId", runID, "error", err)
				f.registry.Finish(runID, nil, err)
			}
		}()
		_, _ = f.execute(ctx, runID, req)
	}()

	run, _ := f.registry.Get(runID)
	return run, nil
}

func (f *Fleet) prepare(req BatchRequest) (BatchRequest, error) {
	switch {
	case req.TotalJobs < 0:
		return req, apperrors.Validation("totalJobs", "total jobs must not be negative")
	case req.TotalJobs > f.run.MaxTotalJobs:
		return req, apperrors.Validation("totalJobs", fmt.Sprintf("total jobs must not exceed %d", f.run.MaxTotalJobs))
	case req.BatchSize <= 0:
		return req, apperrors.Validation("batchSize", "batch size must be positive")
	}
	if req.Suffix == "" {
		req.Suffix = uuid.NewString()[:8]
	}
	return req, nil
}

func (f *Fleet) execute(ctx context.Context, runID string, req BatchRequest) (*batch.Summary, error) {
	logger := f.logger.With("runId", runID, "suffix", req.Suffix)
	logger.Info("Batch run accepted",
		"totalJobs", req.TotalJobs,
		"batchSize", req.BatchSize,
		"enableSpot", req.EnableSpot,
		"worstCaseAttempts", f.run.WorstCaseAttempts(),
	)

	publish := f.publisher.OnBatch(runID)
	scheduler := batch.NewScheduler(f.submitter, batch.Config{
		OnBatch: func(ctx context.Context, r batch.Result) {
			f.registry.Progress(runID, r)
			publish(ctx, r)
		},
		Metrics: f.metrics,
	})
	summary, err := scheduler.Run(ctx, req.TotalJobs, req.BatchSize, f.factory(req))

	f.registry.Finish(runID, summary, err)
	f.publisher.RunCompleted(runID, summary, err)
	if err != nil {
		logger.Warn("Batch run stopped", "error", err)
	}

	if run, ok := f.registry.Get(runID); ok {
		// The manifest outlives a cancelled run.
		f.upload(context.WithoutCancel(ctx), ManifestBucket, "runs/"+runID+".json", run)
	}
	return summary, err
}

// factory names job i, tags it with job_specific_param=i and rotates dataset
// prefixes by global index.
func (f *Fleet) factory(req BatchRequest) batch.SpecFactory {
	prefixes := f.run.DatasetPrefixes
	return func(i int) job.Spec {
		name := fmt.Sprintf("%s-%s-%d-%s", BatchNamePrefix, req.Suffix, i, f.timestamp())
		spec := job.NewSpec(name, f.Dataset(prefixes[i%len(prefixes)]), req.EnableSpot, f.run.Hyperparameters)
		spec.Hyperparameters["job_specific_param"] = strconv.Itoa(i)
		return spec
	}
}

// ListJobs returns every job matching filter in backend order.
func (f *Fleet) ListJobs(ctx context.Context, filter job.Filter) ([]job.Summary, error) {
	return f.lister.List(ctx, filter)
}

// Lister returns the paginated lister.
func (f *Fleet) Lister() *job.Lister {
	return f.lister
}

// AggregateMetric summarizes metric (job.DefaultMetric if empty) over the
// batch jobs of suffix with the given status.
func (f *Fleet) AggregateMetric(ctx context.Context, status, suffix, metric string) (job.Report, error) {
	filter := job.Filter{Status: status, NameContains: BatchNameFilter(suffix)}
	jobs, err := f.lister.List(ctx, filter)
	if err != nil {
		return job.Report{Metric: metric}, err
	}

	report, err := f.aggregator.Aggregate(ctx, jobs, metric)
	if err != nil {
		return report, err
	}
	f.logger.Info("Metric aggregated",
		"metric", report.Metric,
		"jobs", len(jobs),
		"count", report.Count,
		"mean", report.Mean,
		"median", report.Median,
		"max", report.Max,
		"min", report.Min,
	)

	scope := suffix
	if scope == "" {
		scope = "all"
	}
	key := fmt.Sprintf("aggregates/%s/%s-%s.json", scope, strings.ReplaceAll(report.Metric, " ", "_"), f.timestamp())
	f.upload(ctx, ReportBucket, key, report)
	return report, nil
}

// upload stores v as JSON. Failures are logged only.
func (f *Fleet) upload(ctx context.Context, bucket, key string, v any) {
	if f.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Warn("Failed to encode object", "bucket", bucket, "key", key, "error", err)
		return
	}
	if err := f.store.Put(ctx, bucket, key, data); err != nil {
		f.logger.Warn("Failed to upload object", "bucket", bucket, "key", key, "error", err)
		return
	}
	f.logger.Debug("Object uploaded", "bucket", bucket, "key", key)
}

// Ready checks the backend.
func (f *Fleet) Ready(ctx context.Context) error {
	return f.client.Ready(ctx)
}

// Close cancels background runs and waits for them to stop or ctx to end.
// The backend client is not closed.
func (f *Fleet) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.stop()
	f.registry.CancelAll()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
