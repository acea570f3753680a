package batch

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"jobfleet/internal/apperrors"
)

// Run states
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// OutcomeStatus is the reportable form of a job.Outcome.
type OutcomeStatus struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Run is a snapshot of an asynchronous batch run.
type Run struct {
	ID        string          `json:"id"`
	State     string          `json:"state"`
	Total     int             `json:"total"`
	BatchSize int             `json:"batchSize"`
	Submitted int             `json:"submitted"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Batches   int             `json:"batches"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Error     string          `json:"error,omitempty"`
	Outcomes  []OutcomeStatus `json:"outcomes,omitempty"`
}

type runState struct {
	run    Run
	cancel context.CancelFunc
}

// Registry retention defaults
const (
	DefaultRetention   = time.Hour
	DefaultMaxFinished = 100
)

// Registry tracks batch runs started in the background. Finished runs are
// kept for a retention window and at most maxFinished of them are kept.
type Registry struct {
	mu          sync.RWMutex
	runs        map[string]*runState
	retention   time.Duration
	maxFinished int
	now         func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetention sets how long finished runs stay visible.
func WithRetention(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithMaxFinished caps the number of finished runs kept.
func WithMaxFinished(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxFinished = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		runs:        make(map[string]*runState),
		retention:   DefaultRetention,
		maxFinished: DefaultMaxFinished,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// prune drops finished runs past retention, then the oldest finished runs
// above maxFinished. keep is never dropped. Callers hold mu.
func (r *Registry) prune(keep string) {
	cutoff := r.now().Add(-r.retention)
	var finished []*runState
	for id, rs := range r.runs {
		if rs.run.EndedAt == nil || id == keep {
			continue
		}
		if rs.run.EndedAt.Before(cutoff) {
			delete(r.runs, id)
			continue
		}
		finished = append(finished, rs)
	}

	limit := r.maxFinished
	if keep != "" {
		if rs, ok := r.runs[keep]; ok && rs.run.EndedAt != nil {
			limit--
		}
	}
	if len(finished) <= limit {
		return
	}
	slices.SortFunc(finished, func(a, b *runState) int {
		return cmp.Or(a.run.EndedAt.Compare(*b.run.EndedAt), cmp.Compare(a.run.ID, b.run.ID))
	})
	for _, rs := range finished[:len(finished)-limit] {
		delete(r.runs, rs.run.ID)
	}
}

// Reserve registers a new running run. Returns a conflict error if id exists.
func (r *Registry) Reserve(id string, total, batchSize int, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[id]; exists {
		return apperrors.Conflict("run", id, "run already exists")
	}
	r.prune("")
	r.runs[id] = &runState{
		run: Run{
			ID:        id,
			State:     RunRunning,
			Total:     total,
			BatchSize: batchSize,
			StartedAt: r.now(),
		},
		cancel: cancel,
	}
	return nil
}

// Progress records a resolved batch.
func (r *Registry) Progress(id string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.runs[id]
	if !ok {
		return
	}
	rs.run.Batches = res.Number
	rs.run.Submitted = res.Submitted
	rs.run.Succeeded += res.Succeeded
	rs.run.Failed += res.Failed
}

// Finish records the end of a run. summary may be nil when the run never started.
func (r *Registry) Finish(id string, summary *Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.runs[id]
	if !ok {
		return
	}
	now := r.now()
	rs.run.EndedAt = &now
	rs.cancel = nil
	defer r.prune(id)

	switch {
	case err == nil:
		rs.run.State = RunCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rs.run.State = RunCancelled
		rs.run.Error = err.Error()
	default:
		rs.run.State = RunFailed
		rs.run.Error = err.Error()
	}

	if summary == nil {
		return
	}
	rs.run.Submitted = summary.Submitted
	rs.run.Succeeded = summary.Succeeded
	rs.run.Failed = summary.Failed
	rs.run.Batches = summary.Batches
	rs.run.Outcomes = make([]OutcomeStatus, len(summary.Outcomes))
	for i, o := range summary.Outcomes {
		s := OutcomeStatus{Index: o.Index, Name: o.Spec.Name, Attempts: o.Attempts}
		if o.Handle != nil {
			s.ID = o.Handle.ID
		}
		if o.Err != nil {
			s.Error = o.Err.Error()
		}
		rs.run.Outcomes[i] = s
	}
}

// Get returns a snapshot of a run.
func (r *Registry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return rs.run, true
}

// List returns snapshots of all runs, newest first, without outcomes.
func (r *Registry) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]Run, 0, len(r.runs))
	for _, rs := range r.runs {
		run := rs.run
		run.Outcomes = nil
		runs = append(runs, run)
	}
	slices.SortFunc(runs, func(a, b Run) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return runs
}

// Cancel stops a running run between batches. Cancelling a finished run is a no-op.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	rs, ok := r.runs[id]
	var cancel context.CancelFunc
	if ok {
		cancel = rs.cancel
	}
	r.mu.RUnlock()

	if !ok {
		return apperrors.NotFound("run", id)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// CancelAll cancels every running run.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rs := range r.runs {
		if rs.cancel != nil {
			rs.cancel()
		}
	}
}

// Active returns the number of running runs.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rs := range r.runs {
		if rs.run.State == RunRunning {
			n++
		}
	}
	return n
}
