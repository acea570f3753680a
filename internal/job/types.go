package job

import (
	"maps"
	"time"
)

// Status values reported by backends. An empty status filter matches any.
const (
	StatusInProgress = "InProgress"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
	StatusStopping   = "Stopping"
	StatusStopped    = "Stopped"
)

// Statuses lists every valid status value.
var Statuses = []string{StatusInProgress, StatusCompleted, StatusFailed, StatusStopping, StatusStopped}

// Spec is one training job to submit.
type Spec struct {
	Name            string            `json:"name"`
	Hyperparameters map[string]string `json:"hyperparameters"`
	Dataset         string            `json:"dataset"`
	Spot            bool              `json:"spot"`
}

// NewSpec builds a Spec that owns a copy of hyperparameters.
func NewSpec(name, dataset string, spot bool, hyperparameters map[string]string) Spec {
	return Spec{
		Name:            name,
		Hyperparameters: maps.Clone(hyperparameters),
		Dataset:         dataset,
		Spot:            spot,
	}
}

// Handle identifies a submitted job.
type Handle struct {
	ID          string    `json:"id"` // backend-specific, e.g. container ID or namespace/name
	Name        string    `json:"name"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Outcome is the result of submitting one Spec. Exactly one of Handle and Err
// is set.
type Outcome struct {
	Index    int     `json:"index"` // global index within a batch run
	Spec     Spec    `json:"spec"`
	Handle   *Handle `json:"handle,omitempty"`
	Err      error   `json:"-"`
	Attempts int     `json:"attempts"`
}

// Succeeded reports whether the job was created.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Summary is one entry of a job listing.
type Summary struct {
	Name      string     `json:"name"`
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// MetricRecord is one final metric value reported by a job.
type MetricRecord struct {
	JobName    string  `json:"jobName"`
	MetricName string  `json:"metricName"`
	Value      float64 `json:"value"`
}

// Description is the detail of a single job.
type Description struct {
	Name         string         `json:"name"`
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	FinalMetrics []MetricRecord `json:"finalMetrics"`
}

// Infrastructure holds the fixed parameters applied to every submitted job.
type Infrastructure struct {
	Image             string             `json:"image"`
	Command           []string           `json:"command,omitempty"` // overrides the image command
	InstanceType      string             `json:"instanceType"`
	InstanceCount     int                `json:"instanceCount"`
	VolumeSizeGB      int                `json:"volumeSizeGB"`
	CPU               float64            `json:"cpu"`
	MemoryMB          int                `json:"memoryMB"`
	MaxRuntime        time.Duration      `json:"maxRuntime"`
	OutputPath        string             `json:"outputPath"`
	ExecutionRole     string             `json:"executionRole,omitempty"`
	InputMode         string             `json:"inputMode"`
	MetricDefinitions []MetricDefinition `json:"metricDefinitions"`
}

// CreateRequest is the full payload sent to a backend for one job.
type CreateRequest struct {
	Spec           Spec
	Infrastructure Infrastructure
	MaxWait        time.Duration // spot jobs only
}

// ListRequest asks a backend for one page of jobs.
type ListRequest struct {
	Status       string
	NameContains string
	PageSize     int
	Cursor       string
}

// ListPage is one page of jobs in backend order. An empty NextCursor ends the listing.
type ListPage struct {
	Jobs       []Summary
	NextCursor string
}

// Filter selects jobs for listing.
type Filter struct {
	Status       string `json:"status"`
	NameContains string `json:"nameContains"`
}
