package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/job"
)

func testClient(clientset *fake.Clientset) *Client {
	return newClient(clientset, Config{
		Namespace:        "training",
		SpotNodeSelector: map[string]string{"node.kubernetes.io/lifecycle": "spot"},
		ServiceAccount:   "trainer",
	})
}

func createRequest(name string, spot bool) *job.CreateRequest {
	req := &job.CreateRequest{
		Spec: job.NewSpec(name, "s3://data/VisA_pytorch/1cls/pcb1/", spot, map[string]string{"epochs": "25"}),
		Infrastructure: job.Infrastructure{
			Image:        "anomaly-training:latest",
			Command:      []string{"train"},
			CPU:          1.5,
			MemoryMB:     512,
			VolumeSizeGB: 30,
			MaxRuntime:   time.Hour,
		},
	}
	if spot {
		req.MaxWait = 2 * time.Hour
	}
	return req
}

func managedJob(name string, conditions ...batchv1.JobCondition) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "training",
			Labels:            map[string]string{labelManagedBy: managedBy},
			CreationTimestamp: metav1.NewTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
		Status: batchv1.JobStatus{Conditions: conditions},
	}
}

func condition(t batchv1.JobConditionType, reason string) batchv1.JobCondition {
	return batchv1.JobCondition{Type: t, Status: corev1.ConditionTrue, Reason: reason}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	clientset := fake.NewClientset()
	c := testClient(clientset)
	ctx := context.Background()

	h, err := c.CreateJob(ctx, createRequest("job-1", true))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if h.Name != "job-1" || h.ID == "" || h.SubmittedAt.IsZero() {
		t.Errorf("unexpected handle %+v", h)
	}

	created, err := clientset.BatchV1().Jobs("training").Get(ctx, "job-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if *created.Spec.BackoffLimit != 0 {
		t.Errorf("expected backoff limit 0, got %d", *created.Spec.BackoffLimit)
	}
	if *created.Spec.ActiveDeadlineSeconds != 7200 {
		t.Errorf("expected deadline to cover max wait, got %d", *created.Spec.ActiveDeadlineSeconds)
	}
	if created.Labels[labelManagedBy] != managedBy || created.Labels[labelSpot] != "true" {
		t.Errorf("unexpected labels %v", created.Labels)
	}
	if created.Annotations[annotationDataset] != "s3://data/VisA_pytorch/1cls/pcb1/" {
		t.Errorf("unexpected annotations %v", created.Annotations)
	}

	pod := created.Spec.Template.Spec
	if pod.RestartPolicy != corev1.RestartPolicyNever || pod.ServiceAccountName != "trainer" {
		t.Errorf("unexpected pod spec %+v", pod)
	}
	if pod.NodeSelector["node.kubernetes.io/lifecycle"] != "spot" {
		t.Errorf("expected spot node selector, got %v", pod.NodeSelector)
	}

	ctr := pod.Containers[0]
	if ctr.Image != "anomaly-training:latest" || ctr.Args[0] != "train" {
		t.Errorf("unexpected container %+v", ctr)
	}
	if got := ctr.Resources.Limits.Cpu().String(); got != "1500m" {
		t.Errorf("expected CPU limit 1500m, got %s", got)
	}
	if got := ctr.Resources.Limits.Memory().String(); got != "512Mi" {
		t.Errorf("expected memory limit 512Mi, got %s", got)
	}
	if got := ctr.Resources.Requests.StorageEphemeral().String(); got != "30Gi" {
		t.Errorf("expected ephemeral storage 30Gi, got %s", got)
	}

	env := make(map[string]string)
	for _, e := range ctr.Env {
		env[e.Name] = e.Value
	}
	if env[job.EnvHyperparameters] != `{"epochs":"25"}` || env[job.EnvMaxWait] != "7200" || env[job.EnvMaxRuntime] != "3600" {
		t.Errorf("unexpected env %v", env)
	}
	if _, ok := env[job.EnvMetricDefinitions]; !ok {
		t.Error("expected metric definitions in env")
	}
}

func TestCreateJobOnDemand(t *testing.T) {
	t.Parallel()
	clientset := fake.NewClientset()
	c := testClient(clientset)
	ctx := context.Background()

	if _, err := c.CreateJob(ctx, createRequest("job-1", false)); err != nil {
		t.Fatal(err)
	}
	created, _ := clientset.BatchV1().Jobs("training").Get(ctx, "job-1", metav1.GetOptions{})
	if created.Spec.Template.Spec.NodeSelector != nil {
		t.Errorf("expected no node selector, got %v", created.Spec.Template.Spec.NodeSelector)
	}
	if *created.Spec.ActiveDeadlineSeconds != 3600 {
		t.Errorf("expected deadline 3600, got %d", *created.Spec.ActiveDeadlineSeconds)
	}
}

func TestCreateJobErrors(t *testing.T) {
	t.Parallel()
	gk := schema.GroupKind{Group: "batch", Kind: "Job"}
	tests := []struct {
		name      string
		err       error
		sentinel  error
		retryable bool
	}{
		{"invalid", apierrors.NewInvalid(gk, "Job_1", field.ErrorList{field.Invalid(field.NewPath("metadata", "name"), "Job_1", "must be lowercase")}), apperrors.ErrValidation, false},
		{"server error", apierrors.NewInternalError(errors.New("etcd unavailable")), apperrors.ErrInternal, true},
		{"throttled", apierrors.NewTooManyRequests("slow down", 1), apperrors.ErrInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clientset := fake.NewClientset()
			clientset.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, tt.err
			})

			_, err := testClient(clientset).CreateJob(context.Background(), createRequest("job-1", false))
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			if apperrors.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestCreateJobConflict(t *testing.T) {
	t.Parallel()
	c := testClient(fake.NewClientset())
	ctx := context.Background()

	if _, err := c.CreateJob(ctx, createRequest("job-1", false)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateJob(ctx, createRequest("job-1", false)); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()
	foreign := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "anomaly-training-job-foreign", Namespace: "training"}}
	clientset := fake.NewClientset(
		managedJob("anomaly-training-job-1", condition(batchv1.JobComplete, "")),
		managedJob("anomaly-training-job-2", condition(batchv1.JobFailed, "BackoffLimitExceeded")),
		managedJob("anomaly-training-job-3"),
		managedJob("other-4", condition(batchv1.JobComplete, "")),
		foreign,
	)
	c := testClient(clientset)

	page, err := c.ListJobs(context.Background(), job.ListRequest{
		Status:       job.StatusCompleted,
		NameContains: "anomaly-training-job",
	})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(page.Jobs) != 1 || page.Jobs[0].Name != "anomaly-training-job-1" {
		t.Errorf("unexpected jobs %+v", page.Jobs)
	}

	page, err = c.ListJobs(context.Background(), job.ListRequest{})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(page.Jobs) != 4 {
		t.Errorf("expected 4 managed jobs, got %d", len(page.Jobs))
	}
}

func TestListJobsNameOrder(t *testing.T) {
	t.Parallel()
	clientset := fake.NewClientset()
	clientset.PrependReactor("list", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		list := &batchv1.JobList{}
		for _, name := range []string{"job-c", "job-a", "job-b"} {
			list.Items = append(list.Items, *managedJob(name))
		}
		return true, list, nil
	})

	page, err := testClient(clientset).ListJobs(context.Background(), job.ListRequest{})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	var names []string
	for _, s := range page.Jobs {
		names = append(names, s.Name)
	}
	if want := []string{"job-a", "job-b", "job-c"}; !slices.Equal(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}
}

func TestListJobsFollowsContinueToken(t *testing.T) {
	t.Parallel()
	clientset := fake.NewClientset()
	calls := 0
	clientset.PrependReactor("list", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		calls++
		list := &batchv1.JobList{}
		for i := range 2 {
			list.Items = append(list.Items, *managedJob(fmt.Sprintf("job-%d-%d", calls, i), condition(batchv1.JobComplete, "")))
		}
		if calls < 3 {
			list.Continue = fmt.Sprintf("token-%d", calls)
		}
		return true, list, nil
	})

	lister := job.NewLister(testClient(clientset), 2, nil)
	jobs, err := lister.List(context.Background(), job.Filter{Status: job.StatusCompleted})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 6 || calls != 3 {
		t.Errorf("expected 6 jobs over 3 calls, got %d over %d", len(jobs), calls)
	}
	if jobs[0].Name != "job-1-0" || jobs[5].Name != "job-3-1" {
		t.Errorf("unexpected order: first %s, last %s", jobs[0].Name, jobs[5].Name)
	}
}

func TestStatusFromJob(t *testing.T) {
	t.Parallel()
	now := metav1.Now()
	deleting := managedJob("deleting")
	deleting.DeletionTimestamp = &now
	suspended := managedJob("suspended", condition(batchv1.JobSuspended, ""))
	draining := managedJob("draining", condition(batchv1.JobSuspended, ""))
	draining.Status.Active = 1
	falseComplete := managedJob("pending", batchv1.JobCondition{Type: batchv1.JobComplete, Status: corev1.ConditionFalse})

	tests := []struct {
		job  *batchv1.Job
		want string
	}{
		{managedJob("running"), job.StatusInProgress},
		{falseComplete, job.StatusInProgress},
		{managedJob("complete", condition(batchv1.JobComplete, "")), job.StatusCompleted},
		{managedJob("failed", condition(batchv1.JobFailed, "BackoffLimitExceeded")), job.StatusFailed},
		{managedJob("deadline", condition(batchv1.JobFailed, reasonDeadlineExceeded)), job.StatusStopped},
		{suspended, job.StatusStopped},
		{draining, job.StatusStopping},
		{deleting, job.StatusStopping},
	}

	for _, tt := range tests {
		t.Run(tt.job.Name, func(t *testing.T) {
			t.Parallel()
			if got := statusFromJob(tt.job); got != tt.want {
				t.Errorf("statusFromJob() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummaryEndTime(t *testing.T) {
	t.Parallel()
	done := metav1.NewTime(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	j := managedJob("complete", condition(batchv1.JobComplete, ""))
	j.Status.CompletionTime = &done

	s := summaryFromJob(j)
	if s.EndedAt == nil || !s.EndedAt.Equal(done.Time) {
		t.Errorf("unexpected end time %v", s.EndedAt)
	}
	if s.ID != "complete" {
		t.Errorf("expected name as fallback id, got %q", s.ID)
	}
	if summaryFromJob(managedJob("running")).EndedAt != nil {
		t.Error("expected no end time for running job")
	}
}

func TestDescribeJob(t *testing.T) {
	t.Parallel()
	j := managedJob("job-1", condition(batchv1.JobComplete, ""))
	j.Spec.Template.Spec.Containers = []corev1.Container{{
		Name: containerName,
		Env:  []corev1.EnvVar{{Name: job.EnvMetricDefinitions, Value: `[{"Name":"Accuracy","Regex":"acc=(.*)"}]`}},
	}}
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name:      "job-1-abcde",
		Namespace: "training",
		Labels:    map[string]string{labelPodJobName: "job-1"},
	}}
	c := testClient(fake.NewClientset(j, pod))

	desc, err := c.DescribeJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("DescribeJob() error = %v", err)
	}
	if desc.Status != job.StatusCompleted || desc.Name != "job-1" {
		t.Errorf("unexpected description %+v", desc)
	}
	// The fake log stream carries no metric lines.
	if len(desc.FinalMetrics) != 0 {
		t.Errorf("expected no metrics, got %+v", desc.FinalMetrics)
	}

	defs := c.definitions(j)
	if len(defs) != 1 || defs[0].Name != "Accuracy" {
		t.Errorf("expected definitions from env, got %+v", defs)
	}
}

func TestDescribeJobWithoutPod(t *testing.T) {
	t.Parallel()
	c := testClient(fake.NewClientset(managedJob("job-1")))

	desc, err := c.DescribeJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("DescribeJob() error = %v", err)
	}
	if desc.Status != job.StatusInProgress || desc.FinalMetrics != nil {
		t.Errorf("unexpected description %+v", desc)
	}
}

func TestDescribeJobNotFound(t *testing.T) {
	t.Parallel()
	foreign := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "foreign", Namespace: "training"}}
	c := testClient(fake.NewClientset(foreign))

	for _, name := range []string{"missing", "foreign"} {
		if _, err := c.DescribeJob(context.Background(), name); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("DescribeJob(%q) expected not found, got %v", name, err)
		}
	}
}

func TestDefinitionsFallback(t *testing.T) {
	t.Parallel()
	c := testClient(fake.NewClientset())
	j := managedJob("job-1")
	j.Spec.Template.Spec.Containers = []corev1.Container{{
		Name: containerName,
		Env:  []corev1.EnvVar{{Name: job.EnvMetricDefinitions, Value: "not json"}},
	}}

	if defs := c.definitions(j); len(defs) != len(job.DefaultMetricDefinitions) {
		t.Errorf("expected default definitions, got %+v", defs)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()
	clientset := fake.NewClientset()
	c := testClient(clientset)
	if err := c.Ready(context.Background()); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	clientset.PrependReactor("list", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "batch", Resource: "jobs"}, "", errors.New("no RBAC"))
	})
	if err := c.Ready(context.Background()); err == nil {
		t.Error("expected error when jobs cannot be listed")
	}
}

func TestParseSelector(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"lifecycle=spot", map[string]string{"lifecycle": "spot"}},
		{"a=1, b=2", map[string]string{"a": "1", "b": "2"}},
		{"bad,=x,c=", map[string]string{"c": ""}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := ParseSelector(tt.in); !maps.Equal(got, tt.want) {
				t.Errorf("ParseSelector(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
