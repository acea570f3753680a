// Package kubernetes implements job.Client on Kubernetes. Each training job
// is a batch/v1 Job running a single pod.
package kubernetes

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/job"
	"jobfleet/internal/orchestrator/transport"
)

const (
	labelManagedBy    = "app.kubernetes.io/managed-by"
	labelSpot         = "jobfleet.io/spot"
	annotationDataset = "jobfleet.io/dataset"
	labelPodJobName   = "job-name" // set by the Job controller
	managedBy         = "jobfleet"
	containerName     = "training"

	reasonDeadlineExceeded = "DeadlineExceeded"
)

// Client implements job.Client using Kubernetes Jobs.
type Client struct {
	clientset      kubernetes.Interface
	namespace      string
	spotSelector   map[string]string
	serviceAccount string
	metricDefs     []job.MetricDefinition
	now            func() time.Time
	logger         *slog.Logger
}

// New creates a Kubernetes-backed client. In-cluster configuration is tried
// first, then the kubeconfig file. API requests go through the retrying
// transport.
func New(cfg Config) (*Client, error) {
	restCfg, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	restCfg.WrapTransport = func(rt http.RoundTripper) http.RoundTripper {
		return transport.New(rt, cfg.Transport)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return newClient(clientset, cfg), nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	slog.Debug("In-cluster config not available, trying kubeconfig", "error", err)

	if kubeconfig == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("failed to locate kubeconfig: %w", herr)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}
	return cfg, nil
}

func newClient(clientset kubernetes.Interface, cfg Config) *Client {
	defs := cfg.MetricDefinitions
	if len(defs) == 0 {
		defs = job.DefaultMetricDefinitions
	}
	return &Client{
		clientset:      clientset,
		namespace:      cmp.Or(cfg.Namespace, "default"),
		spotSelector:   cfg.SpotNodeSelector,
		serviceAccount: cfg.ServiceAccount,
		metricDefs:     defs,
		now:            time.Now,
		logger:         slog.With("component", "kubernetes"),
	}
}

// CreateJob creates the batch Job. The Job controller never retries the pod;
// retries belong to the submitter.
func (c *Client) CreateJob(ctx context.Context, req *job.CreateRequest) (*job.Handle, error) {
	obj, err := c.jobObject(req)
	if err != nil {
		return nil, apperrors.Internal("kubernetes.jobObject", err)
	}

	created, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, mapError("createJob", req.Spec.Name, err)
	}

	submitted := created.CreationTimestamp.Time
	if submitted.IsZero() {
		submitted = c.now()
	}
	return &job.Handle{
		ID:          cmp.Or(string(created.UID), created.Name),
		Name:        created.Name,
		SubmittedAt: submitted,
	}, nil
}

func (c *Client) jobObject(req *job.CreateRequest) (*batchv1.Job, error) {
	spec := req.Spec
	infra := req.Infrastructure

	vars, err := req.Env(c.metricDefs)
	if err != nil {
		return nil, err
	}
	env := make([]corev1.EnvVar, len(vars))
	for i, v := range vars {
		env[i] = corev1.EnvVar{Name: v.Name, Value: v.Value}
	}

	resources := corev1.ResourceList{}
	if infra.CPU > 0 {
		resources[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(infra.CPU*1000), resource.DecimalSI)
	}
	if infra.MemoryMB > 0 {
		resources[corev1.ResourceMemory] = *resource.NewQuantity(int64(infra.MemoryMB)*1024*1024, resource.BinarySI)
	}
	if infra.VolumeSizeGB > 0 {
		resources[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(int64(infra.VolumeSizeGB)*1024*1024*1024, resource.BinarySI)
	}

	labels := map[string]string{
		labelManagedBy: managedBy,
		labelSpot:      strconv.FormatBool(spec.Spot),
	}

	backoffLimit := int32(0)
	obj := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        spec.Name,
			Namespace:   c.namespace,
			Labels:      labels,
			Annotations: map[string]string{annotationDataset: spec.Dataset},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: c.serviceAccount,
					Containers: []corev1.Container{{
						Name:  containerName,
						Image: infra.Image,
						Args:  infra.Command,
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Requests: resources,
							Limits:   resources,
						},
					}},
				},
			},
		},
	}

	// Spot jobs may wait for capacity, so the deadline covers the wait too.
	if deadline := max(infra.MaxRuntime, req.MaxWait); deadline > 0 {
		seconds := int64(deadline.Seconds())
		obj.Spec.ActiveDeadlineSeconds = &seconds
	}
	if spec.Spot && len(c.spotSelector) > 0 {
		obj.Spec.Template.Spec.NodeSelector = c.spotSelector
	}
	return obj, nil
}

// ListJobs returns one page of managed Jobs using the API server's native
// Limit/Continue pagination. Status and name are matched client side, so a
// page may hold fewer than PageSize jobs while more remain.
//
// The API server has no creation-time ordering: jobs come in name order, and
// each page is sorted by name to keep that order stable.
func (c *Client) ListJobs(ctx context.Context, req job.ListRequest) (*job.ListPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > job.MaxPageSize {
		pageSize = job.MaxPageSize
	}

	list, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelManagedBy + "=" + managedBy,
		Limit:         int64(pageSize),
		Continue:      req.Cursor,
	})
	if err != nil {
		return nil, mapError("listJobs", "", err)
	}

	page := &job.ListPage{NextCursor: list.Continue}
	for i := range list.Items {
		s := summaryFromJob(&list.Items[i])
		if req.Status != "" && s.Status != req.Status {
			continue
		}
		if req.NameContains != "" && !strings.Contains(s.Name, req.NameContains) {
			continue
		}
		page.Jobs = append(page.Jobs, s)
	}
	slices.SortFunc(page.Jobs, func(a, b job.Summary) int {
		return strings.Compare(a.Name, b.Name)
	})
	return page, nil
}

func summaryFromJob(j *batchv1.Job) job.Summary {
	return job.Summary{
		Name:      j.Name,
		ID:        cmp.Or(string(j.UID), j.Name),
		Status:    statusFromJob(j),
		CreatedAt: j.CreationTimestamp.Time,
		EndedAt:   endTime(j),
	}
}

// statusFromJob maps Job conditions to a job status.
func statusFromJob(j *batchv1.Job) string {
	if j.DeletionTimestamp != nil {
		return job.StatusStopping
	}
	for _, cond := range j.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return job.StatusCompleted
		case batchv1.JobFailed:
			if cond.Reason == reasonDeadlineExceeded {
				return job.StatusStopped
			}
			return job.StatusFailed
		case batchv1.JobSuspended:
			if j.Status.Active > 0 {
				return job.StatusStopping
			}
			return job.StatusStopped
		}
	}
	return job.StatusInProgress
}

func endTime(j *batchv1.Job) *time.Time {
	if j.Status.CompletionTime != nil {
		t := j.Status.CompletionTime.Time
		return &t
	}
	for _, cond := range j.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			t := cond.LastTransitionTime.Time
			return &t
		}
	}
	return nil
}

// DescribeJob fetches the Job and parses the logs of its newest pod for
// final metrics. A Job whose pod has not been scheduled has no metrics.
func (c *Client) DescribeJob(ctx context.Context, name string) (*job.Description, error) {
	j, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, mapError("getJob", name, err)
	}
	if j.Labels[labelManagedBy] != managedBy {
		return nil, apperrors.NotFound("job", name)
	}

	desc := &job.Description{
		Name:   j.Name,
		ID:     cmp.Or(string(j.UID), j.Name),
		Status: statusFromJob(j),
	}

	pod, err := c.newestPod(ctx, name)
	if err != nil {
		return nil, mapError("listPods", name, err)
	}
	if pod == nil {
		return desc, nil
	}

	parser, err := job.NewMetricParser(c.definitions(j))
	if err != nil {
		return nil, apperrors.Internal("kubernetes.metricDefinitions", err)
	}

	logs, err := c.clientset.CoreV1().Pods(c.namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
	}).Stream(ctx)
	if err != nil {
		return nil, mapError("podLogs", name, err)
	}
	defer logs.Close()

	desc.FinalMetrics, err = parser.Parse(name, logs)
	if err != nil {
		return nil, apperrors.Internal("kubernetes.readLogs", err)
	}
	return desc, nil
}

func (c *Client) newestPod(ctx context.Context, jobName string) (*corev1.Pod, error) {
	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelPodJobName + "=" + jobName,
	})
	if err != nil {
		return nil, err
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}
	newest := slices.MaxFunc(pods.Items, func(a, b corev1.Pod) int {
		return a.CreationTimestamp.Compare(b.CreationTimestamp.Time)
	})
	return &newest, nil
}

// definitions recovers the metric definitions from the Job's container env.
func (c *Client) definitions(j *batchv1.Job) []job.MetricDefinition {
	for _, ctr := range j.Spec.Template.Spec.Containers {
		for _, e := range ctr.Env {
			if e.Name != job.EnvMetricDefinitions {
				continue
			}
			defs, err := job.DecodeMetricDefinitions(e.Value)
			if err == nil {
				return defs
			}
			c.logger.Warn("Invalid metric definitions on job, using defaults", "job", j.Name, "error", err)
			return c.metricDefs
		}
	}
	return c.metricDefs
}

// Ready checks that the API server answers and the Jobs in the namespace are listable.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err
}

// Close is a no-op; the clientset holds no resources that need releasing.
func (c *Client) Close() error {
	return nil
}

func mapError(op, name string, err error) error {
	switch {
	case apierrors.IsAlreadyExists(err):
		return apperrors.Conflict("job", name, "job already exists")
	case apierrors.IsNotFound(err):
		return apperrors.NotFound("job", name)
	case apierrors.IsInvalid(err):
		return apperrors.Validation("job", err.Error())
	default:
		return apperrors.Internal("kubernetes."+op, err)
	}
}

var _ job.Client = (*Client)(nil)
