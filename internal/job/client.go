// Package job submits training jobs, lists them and aggregates their metrics.
package job

import "context"

// Client is a job execution backend.
//
// Backends are safe for concurrent use; a single Client is shared by every
// submission worker.
type Client interface {
	// CreateJob creates and starts a job. It returns a conflict error when a
	// job with the same name already exists.
	CreateJob(ctx context.Context, req *CreateRequest) (*Handle, error)

	// ListJobs returns one page of jobs matching the request. Order is backend
	// defined: Docker lists newest first, Kubernetes by name.
	ListJobs(ctx context.Context, req ListRequest) (*ListPage, error)

	// DescribeJob returns a job's status and final metrics.
	// Returns a not found error if the job does not exist.
	DescribeJob(ctx context.Context, name string) (*Description, error)

	// Ready checks if the backend is reachable.
	Ready(ctx context.Context) error

	// Close releases resources held by the client. Jobs keep running.
	Close() error
}
