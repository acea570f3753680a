package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the fleet's metrics following the golden 4 signals:
// - Latency: HTTP requests, batch dispatch, describe calls
// - Traffic: submissions, list pages, webhook deliveries
// - Errors: failed submissions, retries, failed deliveries
// - Saturation: in-flight submissions, notifier queue size
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Submission metrics
	SubmissionsTotal      metric.Int64Counter
	SubmissionErrorsTotal metric.Int64Counter
	SubmissionRetries     metric.Int64Counter
	SubmissionAttempts    metric.Int64Histogram
	SubmissionsInFlight   metric.Int64UpDownCounter
	BatchDuration         metric.Float64Histogram
	BatchesTotal          metric.Int64Counter

	// Read path metrics
	ListPagesTotal   metric.Int64Counter
	DescribeDuration metric.Float64Histogram
	DescribeErrors   metric.Int64Counter

	// Notifier metrics
	NotifierDuration  metric.Float64Histogram
	NotifierDelivered metric.Int64Counter
	NotifierFailed    metric.Int64Counter
	NotifierDropped   metric.Int64Counter
	NotifierRequeued  metric.Int64Counter
	NotifierQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("jobfleet"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}
	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"job_submissions_total",
		metric.WithDescription("Total number of job submissions by outcome"),
	)
	if err != nil {
		return nil, err
	}
	m.SubmissionErrorsTotal, err = meter.Int64Counter(
		"job_submission_errors_total",
		metric.WithDescription("Total number of submissions that exhausted their attempts"),
	)
	if err != nil {
		return nil, err
	}
	m.SubmissionRetries, err = meter.Int64Counter(
		"job_submission_retries_total",
		metric.WithDescription("Total number of application-level submission retries"),
	)
	if err != nil {
		return nil, err
	}
	m.SubmissionAttempts, err = meter.Int64Histogram(
		"job_submission_attempts",
		metric.WithDescription("Attempts used per submission"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 6, 8, 10),
	)
	if err != nil {
		return nil, err
	}
	m.SubmissionsInFlight, err = meter.Int64UpDownCounter(
		"job_submissions_in_flight",
		metric.WithDescription("Number of submissions currently in progress (saturation)"),
	)
	if err != nil {
		return nil, err
	}
	m.BatchDuration, err = meter.Float64Histogram(
		"batch_duration_seconds",
		metric.WithDescription("Time to resolve one batch of submissions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}
	m.BatchesTotal, err = meter.Int64Counter(
		"batches_total",
		metric.WithDescription("Total number of batches dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.ListPagesTotal, err = meter.Int64Counter(
		"job_list_pages_total",
		metric.WithDescription("Total number of job listing pages fetched"),
	)
	if err != nil {
		return nil, err
	}
	m.DescribeDuration, err = meter.Float64Histogram(
		"job_describe_duration_seconds",
		metric.WithDescription("Describe call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	m.DescribeErrors, err = meter.Int64Counter(
		"job_describe_errors_total",
		metric.WithDescription("Total number of failed describe calls"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifierDuration, err = meter.Float64Histogram(
		"notifier_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	m.NotifierDelivered, err = meter.Int64Counter(
		"notifier_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, err
	}
	m.NotifierFailed, err = meter.Int64Counter(
		"notifier_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, err
	}
	m.NotifierDropped, err = meter.Int64Counter(
		"notifier_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, err
	}
	m.NotifierRequeued, err = meter.Int64Counter(
		"notifier_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, err
	}
	m.NotifierQueueSize, err = meter.Int64Gauge(
		"notifier_queue_size",
		metric.WithDescription("Current number of events in notifier queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordSubmissionStarted marks a submission as in flight.
func (m *Metrics) RecordSubmissionStarted(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.SubmissionsInFlight.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordSubmission records a resolved submission and the attempts it used.
func (m *Metrics) RecordSubmission(ctx context.Context, backend string, success bool, attempts int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(backendAttr(backend), successAttr(success))
	m.SubmissionsInFlight.Add(ctx, -1, metric.WithAttributes(backendAttr(backend)))
	m.SubmissionsTotal.Add(ctx, 1, attrs)
	m.SubmissionAttempts.Record(ctx, int64(attempts), attrs)
	if !success {
		m.SubmissionErrorsTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
	}
}

// RecordSubmissionRetry records one application-level retry.
func (m *Metrics) RecordSubmissionRetry(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.SubmissionRetries.Add(ctx, 1, metric.WithAttributes(backendAttr(backend)))
}

// RecordBatch records a resolved batch.
func (m *Metrics) RecordBatch(ctx context.Context, size, failed int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(successAttr(failed == 0))
	m.BatchesTotal.Add(ctx, 1, attrs)
	m.BatchDuration.Record(ctx, durationSeconds, attrs)
}

// RecordListPage records one fetched listing page.
func (m *Metrics) RecordListPage(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ListPagesTotal.Add(ctx, 1, metric.WithAttributes(jobStatusAttr(status)))
}

// RecordDescribe records a describe call.
func (m *Metrics) RecordDescribe(ctx context.Context, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DescribeDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	if !success {
		m.DescribeErrors.Add(ctx, 1)
	}
}

// RecordNotifierDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordNotifierDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotifierDelivered.Add(ctx, 1)
	m.NotifierDuration.Record(ctx, durationSeconds)
}

// RecordNotifierFailed records a failed event delivery.
func (m *Metrics) RecordNotifierFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierFailed.Add(ctx, 1)
}

// RecordNotifierDropped records a dropped event.
func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierDropped.Add(ctx, 1)
}

// RecordNotifierRequeued records a requeued event.
func (m *Metrics) RecordNotifierRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotifierRequeued.Add(ctx, 1)
}

// RecordNotifierQueueSize records the current queue size.
func (m *Metrics) RecordNotifierQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.NotifierQueueSize.Record(ctx, size)
}
