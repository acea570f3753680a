package job

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/observability"
)

// Report holds descriptive statistics of one metric across jobs.
// Count 0 means no job reported the metric; the other fields are then zero.
type Report struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
}

// NoData reports whether no values were found.
func (r Report) NoData() bool {
	return r.Count == 0
}

// Summarize computes the report for values. values is not modified.
func Summarize(metric string, values []float64) Report {
	r := Report{Metric: metric, Count: len(values)}
	if r.Count == 0 {
		return r
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	r.Mean = sum / float64(r.Count)
	r.Min = sorted[0]
	r.Max = sorted[r.Count-1]

	mid := r.Count / 2
	if r.Count%2 == 1 {
		r.Median = sorted[mid]
	} else {
		r.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return r
}

// Aggregator describes jobs and summarizes one of their final metrics.
type Aggregator struct {
	client  Client
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(client Client, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		client:  client,
		metrics: metrics,
		logger:  slog.With("component", "aggregator"),
	}
}

// Aggregate describes every job once and summarizes metricName (DefaultMetric
// if empty). The first describe failure is returned.
func (a *Aggregator) Aggregate(ctx context.Context, jobs []Summary, metricName string) (Report, error) {
	if metricName == "" {
		metricName = DefaultMetric
	}

	var values []float64
	for _, j := range jobs {
		start := time.Now()
		desc, err := a.client.DescribeJob(ctx, j.Name)
		a.metrics.RecordDescribe(ctx, err == nil, time.Since(start).Seconds())
		if err != nil {
			return Report{Metric: metricName}, apperrors.Describe(j.Name, err)
		}

		for _, m := range desc.FinalMetrics {
			if m.MetricName != metricName {
				continue
			}
			a.logger.Info("Metric found", "job", j.Name, "metric", m.MetricName, "value", m.Value)
			values = append(values, m.Value)
		}
	}

	report := Summarize(metricName, values)
	if report.NoData() {
		a.logger.Warn("No metric values found", "metric", metricName, "jobs", len(jobs))
	}
	return report, nil
}
