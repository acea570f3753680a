package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobfleet/internal/job"
	"jobfleet/internal/job/jobtest"
)

func TestSubmitSingleCommand(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	t.Setenv("DATASET_BASE_URI", "s3://data")

	out, _, err := execute(t, "submit-single", "--prefix", "cashew", "--spot")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Training job starting: anomaly-training-job-") {
		t.Errorf("expected success message, got: %s", out)
	}

	reqs := client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].Spec.Dataset != "s3://data/cashew/" || !reqs[0].Spec.Spot {
		t.Errorf("unexpected spec %+v", reqs[0].Spec)
	}
}

func TestSubmitSingleCommand_Failure(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	client.CreateHook = func(context.Context, *job.CreateRequest) error { return errors.New("throttled") }

	if _, _, err := execute(t, "submit-single"); err == nil {
		t.Error("expected error after exhausted retries")
	}
}

func TestSubmitBatchCommand(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	store := t.TempDir()

	out, _, err := execute(t, "submit-batch", "--total", "5", "--batch-size", "2", "--suffix", "cli", "--object-store", store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "5/5 jobs submitted in 3 batches, 5 succeeded, 0 failed") {
		t.Errorf("unexpected output: %s", out)
	}
	for _, req := range client.Requests() {
		if !strings.HasPrefix(req.Spec.Name, "anomaly-training-job-batch-cli-") || !req.Spec.Spot {
			t.Errorf("unexpected spec %+v", req.Spec)
		}
	}

	manifests, err := filepath.Glob(filepath.Join(store, "manifests", "runs", "*.json"))
	if err != nil || len(manifests) != 1 {
		t.Errorf("expected one manifest, got %v (%v)", manifests, err)
	}
}

func TestSubmitBatchCommand_ReportsFailures(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	client.CreateHook = func(_ context.Context, req *job.CreateRequest) error {
		if strings.Contains(req.Spec.Name, "-batch-f-1-") {
			return errors.New("quota exceeded")
		}
		return nil
	}

	out, _, err := execute(t, "submit-batch", "--total", "3", "--batch-size", "3", "--suffix", "f", "--spot=false")
	if err != nil {
		t.Fatalf("per-job failures must not fail the run: %v", err)
	}
	if !strings.Contains(out, "2 succeeded, 1 failed") || !strings.Contains(out, "quota exceeded") {
		t.Errorf("unexpected output: %s", out)
	}
	for _, req := range client.Requests() {
		if req.Spec.Spot {
			t.Errorf("expected on-demand job, got %+v", req.Spec)
		}
	}
}

func TestSubmitBatchCommand_InvalidBatchSize(t *testing.T) {
	useFakeBackend(t, jobtest.New())

	if _, _, err := execute(t, "submit-batch", "--batch-size", "0"); err == nil {
		t.Error("expected validation error")
	}
}

func TestListJobsCommand(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	client.AddJob("anomaly-training-job-1", job.StatusCompleted)
	client.AddJob("anomaly-training-job-2", job.StatusFailed)
	client.AddJob("anomaly-training-job-3", job.StatusCompleted)

	out, _, err := execute(t, "list-jobs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "NAME") || !strings.Contains(out, "2 jobs") {
		t.Errorf("unexpected table output: %s", out)
	}
	if strings.Index(out, "anomaly-training-job-3") > strings.Index(out, "anomaly-training-job-1") {
		t.Errorf("expected newest first: %s", out)
	}

	out, _, err = execute(t, "list-jobs", "--status", "", "-o", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var jobs []job.Summary
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("invalid json output: %v\n%s", err, out)
	}
	if len(jobs) != 3 {
		t.Errorf("expected 3 jobs, got %d", len(jobs))
	}

	if _, _, err := execute(t, "list-jobs", "--status", "Done"); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, _, err := execute(t, "list-jobs", "-o", "yaml"); err == nil {
		t.Error("expected error for unknown output")
	}
}

func TestAggregateMetricCommand(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	for i, v := range []float64{0.8, 0.9, 0.7} {
		name := "anomaly-training-job-batch-exp1-" + string(rune('0'+i)) + "-t"
		client.AddJob(name, job.StatusCompleted, job.MetricRecord{MetricName: "ROC AUC", Value: v})
	}
	reports := t.TempDir()

	out, _, err := execute(t, "aggregate-metric", "--suffix", "exp1", "--object-store", "file://"+reports)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Mean ROC AUC:\t0.8000", "Median ROC AUC:\t0.8000", "Max ROC AUC:\t0.9000", "Min ROC AUC:\t0.7000"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output: %s", want, out)
		}
	}
	if entries, err := os.ReadDir(filepath.Join(reports, "reports", "aggregates", "exp1")); err != nil || len(entries) != 1 {
		t.Errorf("expected one uploaded report, got %v (%v)", entries, err)
	}

	out, _, err = execute(t, "aggregate-metric", "--suffix", "none")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No ROC AUC metrics found") {
		t.Errorf("expected no data message, got: %s", out)
	}
}

func TestAggregateMetricCommand_DescribeFailure(t *testing.T) {
	client := jobtest.New()
	useFakeBackend(t, client)
	client.AddJob("anomaly-training-job-batch-x-0-t", job.StatusCompleted)
	client.FailDescribe("anomaly-training-job-batch-x-0-t", nil)

	if _, _, err := execute(t, "aggregate-metric", "--suffix", "x"); err == nil {
		t.Error("expected describe error")
	}
}
