// Package jobtest provides an in-memory job.Client for tests.
package jobtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/job"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("injected failure")

// Client is an in-memory job.Client. Jobs are listed newest first and the
// cursor is the offset of the next page.
type Client struct {
	// CreateHook runs at the start of every CreateJob call, before the job is
	// recorded. A non-nil error fails that attempt.
	CreateHook func(ctx context.Context, req *job.CreateRequest) error

	// ListHook runs for every ListJobs call with the 1-based call number.
	ListHook func(call int) error

	mu          sync.Mutex
	seq         int
	base        time.Time
	jobs        []job.Summary // creation order
	metrics     map[string][]job.MetricRecord
	requests    []*job.CreateRequest
	calls       map[string]int
	failures    map[string]failure
	describeErr map[string]error
	listCalls   int
	inFlight    int
	maxInFlight int
	readyErr    error
	closed      bool
}

type failure struct {
	remaining int
	err       error
}

// New creates an empty Client.
func New() *Client {
	return &Client{
		base:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		metrics:     make(map[string][]job.MetricRecord),
		calls:       make(map[string]int),
		failures:    make(map[string]failure),
		describeErr: make(map[string]error),
	}
}

// FailCreate makes the next times CreateJob calls for name fail with err
// (ErrInjected if nil). A negative times fails forever.
func (c *Client) FailCreate(name string, times int, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[name] = failure{remaining: times, err: err}
}

// FailDescribe makes DescribeJob fail for name.
func (c *Client) FailDescribe(name string, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.describeErr[name] = err
}

// SetReady sets the error returned by Ready.
func (c *Client) SetReady(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyErr = err
}

// AddJob records an existing job with optional final metrics. Jobs added
// later are newer.
func (c *Client) AddJob(name, status string, metrics ...job.MetricRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(name, status)
	for i := range metrics {
		metrics[i].JobName = name
	}
	c.metrics[name] = append(c.metrics[name], metrics...)
}

// SetStatus changes the status of a recorded job.
func (c *Client) SetStatus(name, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.jobs {
		if c.jobs[i].Name == name {
			c.jobs[i].Status = status
		}
	}
}

func (c *Client) addLocked(name, status string) job.Summary {
	c.seq++
	s := job.Summary{
		Name:      name,
		ID:        fmt.Sprintf("fake-%d", c.seq),
		Status:    status,
		CreatedAt: c.base.Add(time.Duration(c.seq) * time.Second),
	}
	c.jobs = append(c.jobs, s)
	return s
}

// CreateCalls returns how many times CreateJob was called for name.
func (c *Client) CreateCalls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// Requests returns every successful create request in order.
func (c *Client) Requests() []*job.CreateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.requests)
}

// MaxInFlight returns the highest number of concurrent CreateJob calls seen.
func (c *Client) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// ListCalls returns how many times ListJobs was called.
func (c *Client) ListCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CreateJob implements job.Client.
func (c *Client) CreateJob(ctx context.Context, req *job.CreateRequest) (*job.Handle, error) {
	name := req.Spec.Name

	c.mu.Lock()
	c.calls[name]++
	c.inFlight++
	c.maxInFlight = max(c.maxInFlight, c.inFlight)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if c.CreateHook != nil {
		if err := c.CreateHook(ctx, req); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.failures[name]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
			c.failures[name] = f
		}
		return nil, f.err
	}
	for _, j := range c.jobs {
		if j.Name == name {
			return nil, apperrors.Conflict("job", name, "already exists")
		}
	}

	s := c.addLocked(name, job.StatusInProgress)
	c.requests = append(c.requests, req)
	return &job.Handle{ID: s.ID, Name: name, SubmittedAt: s.CreatedAt}, nil
}

// ListJobs implements job.Client.
func (c *Client) ListJobs(ctx context.Context, req job.ListRequest) (*job.ListPage, error) {
	c.mu.Lock()
	c.listCalls++
	call := c.listCalls
	c.mu.Unlock()

	if c.ListHook != nil {
		if err := c.ListHook(call); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []job.Summary
	for i := len(c.jobs) - 1; i >= 0; i-- {
		j := c.jobs[i]
		if req.Status != "" && j.Status != req.Status {
			continue
		}
		if req.NameContains != "" && !strings.Contains(j.Name, req.NameContains) {
			continue
		}
		matched = append(matched, j)
	}

	offset := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid cursor %q", req.Cursor)
		}
		offset = min(n, len(matched))
	}
	size := req.PageSize
	if size <= 0 {
		size = job.MaxPageSize
	}
	end := min(offset+size, len(matched))

	page := &job.ListPage{Jobs: slices.Clone(matched[offset:end])}
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// DescribeJob implements job.Client.
func (c *Client) DescribeJob(ctx context.Context, name string) (*job.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.describeErr[name]; err != nil {
		return nil, err
	}
	for _, j := range c.jobs {
		if j.Name == name {
			return &job.Description{
				Name:         j.Name,
				ID:           j.ID,
				Status:       j.Status,
				FinalMetrics: slices.Clone(c.metrics[name]),
			}, nil
		}
	}
	return nil, apperrors.NotFound("job", name)
}

// Ready implements job.Client.
func (c *Client) Ready(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyErr
}

// Close implements job.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ job.Client = (*Client)(nil)
