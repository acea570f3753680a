// Package docker implements job.Client using the Docker API.
// Each training job is one labelled container on the host Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/job"
	"jobfleet/internal/orchestrator/transport"
)

// Labels set on every job container.
const (
	labelManagedBy = "managed-by"
	labelName      = "job.name"
	labelDataset   = "job.dataset"
	labelSpot      = "job.spot"
	managedBy      = "jobfleet"
)

// dockerAPI is the subset of the Docker client used by Client.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Client implements job.Client using Docker.
type Client struct {
	api        dockerAPI
	network    string
	extraHosts []string
	metricDefs []job.MetricDefinition
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Docker-backed client. The daemon address comes from the
// standard DOCKER_* environment variables; requests go through the retrying
// transport.
func New(cfg Config) (*Client, error) {
	base, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	hc := base.HTTPClient()
	_ = base.Close()

	hc.Transport = transport.New(hc.Transport, cfg.Transport)
	dockerClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithHTTPClient(hc),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newClient(dockerClient, cfg), nil
}

func newClient(api dockerAPI, cfg Config) *Client {
	defs := cfg.MetricDefinitions
	if len(defs) == 0 {
		defs = job.DefaultMetricDefinitions
	}
	return &Client{
		api:        api,
		network:    cfg.Network,
		extraHosts: cfg.ExtraHosts,
		metricDefs: defs,
		now:        time.Now,
		logger:     slog.With("component", "docker"),
	}
}

// CreateJob pulls the image if needed, then creates and starts the job container.
func (c *Client) CreateJob(ctx context.Context, req *job.CreateRequest) (*job.Handle, error) {
	name := req.Spec.Name
	infra := req.Infrastructure

	// Pull with a detached context so a caller deadline doesn't abort a large pull
	if err := c.pullImageIfNeeded(context.WithoutCancel(ctx), infra.Image); err != nil {
		return nil, apperrors.Internal("docker.pullImage", err)
	}

	containerConfig, hostConfig, err := c.containerConfig(req)
	if err != nil {
		return nil, apperrors.Internal("docker.containerConfig", err)
	}

	var netConfig *network.NetworkingConfig
	if c.network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{c.network: {}},
		}
	}

	resp, err := c.api.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return nil, apperrors.Conflict("job", name, "job already exists")
		}
		return nil, apperrors.Internal("docker.containerCreate", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, apperrors.Internal("docker.containerStart", err)
	}

	return &job.Handle{ID: resp.ID, Name: name, SubmittedAt: c.now()}, nil
}

func (c *Client) containerConfig(req *job.CreateRequest) (*container.Config, *container.HostConfig, error) {
	vars, err := req.Env(c.metricDefs)
	if err != nil {
		return nil, nil, err
	}
	env := make([]string, len(vars))
	for i, v := range vars {
		env[i] = v.Name + "=" + v.Value
	}

	infra := req.Infrastructure
	containerConfig := &container.Config{
		Image:  infra.Image,
		Cmd:    infra.Command,
		Env:    env,
		Labels: labels(req.Spec),
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(infra.CPU * 1e9),
			Memory:   int64(infra.MemoryMB) * 1024 * 1024,
		},
		ExtraHosts: c.extraHosts,
	}
	return containerConfig, hostConfig, nil
}

func labels(spec job.Spec) map[string]string {
	return map[string]string{
		labelManagedBy: managedBy,
		labelName:      spec.Name,
		labelDataset:   spec.Dataset,
		labelSpot:      strconv.FormatBool(spec.Spot),
	}
}

// ListJobs returns one page of job containers, newest first. The cursor is
// the ID of the last container of the previous page; the daemon's "before"
// filter resumes after it. Status is matched client side, so a page may take
// several daemon calls.
func (c *Client) ListJobs(ctx context.Context, req job.ListRequest) (*job.ListPage, error) {
	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > job.MaxPageSize {
		pageSize = job.MaxPageSize
	}

	var matched []job.Summary
	before := req.Cursor
	for {
		args := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy))
		if req.NameContains != "" {
			args.Add("name", regexp.QuoteMeta(req.NameContains))
		}
		if before != "" {
			args.Add("before", before)
		}

		containers, err := c.api.ContainerList(ctx, container.ListOptions{
			All:     true,
			Limit:   pageSize + 1,
			Filters: args,
		})
		if err != nil {
			return nil, apperrors.Internal("docker.containerList", err)
		}

		for i := range containers {
			s := summaryFromContainer(&containers[i])
			if req.Status != "" && s.Status != req.Status {
				continue
			}
			matched = append(matched, s)
		}
		if len(matched) > pageSize || len(containers) <= pageSize {
			break
		}
		before = containers[len(containers)-1].ID
	}

	page := &job.ListPage{Jobs: matched}
	if len(matched) > pageSize {
		page.Jobs = matched[:pageSize]
		page.NextCursor = page.Jobs[pageSize-1].ID
	}
	return page, nil
}

func summaryFromContainer(ctr *container.Summary) job.Summary {
	name := ctr.Labels[labelName]
	if name == "" && len(ctr.Names) > 0 {
		name = strings.TrimPrefix(ctr.Names[0], "/")
	}
	return job.Summary{
		Name:      name,
		ID:        ctr.ID,
		Status:    statusFromList(string(ctr.State), ctr.Status),
		CreatedAt: time.Unix(ctr.Created, 0).UTC(),
	}
}

var exitedPattern = regexp.MustCompile(`^Exited \((-?\d+)\)`)

// statusFromList maps the State and human-readable Status of a listed container.
func statusFromList(state, status string) string {
	if state != "exited" {
		return statusFromState(state, 0)
	}
	m := exitedPattern.FindStringSubmatch(status)
	if m == nil {
		return job.StatusFailed
	}
	code, _ := strconv.Atoi(m[1])
	return statusFromState(state, code)
}

// statusFromState maps a container state and exit code to a job status.
func statusFromState(state string, exitCode int) string {
	switch state {
	case "created", "running", "restarting", "paused":
		return job.StatusInProgress
	case "removing":
		return job.StatusStopping
	case "exited":
		switch exitCode {
		case 0:
			return job.StatusCompleted
		case 137, 143: // SIGKILL, SIGTERM
			return job.StatusStopped
		default:
			return job.StatusFailed
		}
	default:
		return job.StatusFailed
	}
}

// DescribeJob inspects the job container and parses its logs for final metrics.
func (c *Client) DescribeJob(ctx context.Context, name string) (*job.Description, error) {
	inspect, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, apperrors.NotFound("job", name)
		}
		return nil, apperrors.Internal("docker.containerInspect", err)
	}
	if inspect.Config == nil || inspect.Config.Labels[labelManagedBy] != managedBy {
		return nil, apperrors.NotFound("job", name)
	}

	desc := &job.Description{
		Name: name,
		ID:   inspect.ID,
	}
	if inspect.State != nil {
		desc.Status = statusFromState(string(inspect.State.Status), inspect.State.ExitCode)
	}

	parser, err := job.NewMetricParser(c.definitionsFromEnv(inspect.Config.Env))
	if err != nil {
		return nil, apperrors.Internal("docker.metricDefinitions", err)
	}

	logs, err := c.api.ContainerLogs(ctx, inspect.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, apperrors.Internal("docker.containerLogs", err)
	}
	defer logs.Close()

	output := demuxLogs(logs)
	defer output.Close()

	desc.FinalMetrics, err = parser.Parse(name, output)
	if err != nil {
		return nil, apperrors.Internal("docker.readLogs", err)
	}
	return desc, nil
}

// definitionsFromEnv recovers the metric definitions a job was created with.
func (c *Client) definitionsFromEnv(env []string) []job.MetricDefinition {
	for _, kv := range env {
		value, ok := strings.CutPrefix(kv, job.EnvMetricDefinitions+"=")
		if !ok {
			continue
		}
		defs, err := job.DecodeMetricDefinitions(value)
		if err == nil {
			return defs
		}
		c.logger.Warn("Invalid metric definitions on container, using defaults", "error", err)
		break
	}
	return c.metricDefs
}

// Ready checks if the Docker daemon is reachable and responsive.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return err
}

// Close releases the Docker client. Job containers keep running.
func (c *Client) Close() error {
	return c.api.Close()
}

func (c *Client) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := c.api.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	c.logger.Info("Pulling image", "image", imageName)
	reader, err := c.api.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// demuxLogs merges the stdout and stderr frames of a multiplexed log stream
// in arrival order.
func demuxLogs(logs io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()
	return pr
}

var _ job.Client = (*Client)(nil)
