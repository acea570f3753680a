package fleet

import (
	"fmt"

	"jobfleet/internal/apperrors"
	"jobfleet/internal/config"
	"jobfleet/internal/job"
	"jobfleet/internal/orchestrator/docker"
	"jobfleet/internal/orchestrator/kubernetes"
)

// NewClient creates the backend selected by run.Backend.
func NewClient(run *config.RunConfig) (job.Client, error) {
	switch run.Backend {
	case config.BackendDocker:
		c, err := docker.New(docker.LoadConfigFromEnv(run))
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendKubernetes:
		c, err := kubernetes.New(kubernetes.LoadConfigFromEnv(run))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, apperrors.Validation("backend", fmt.Sprintf("unknown backend %q (want %s or %s)",
			run.Backend, config.BackendDocker, config.BackendKubernetes))
	}
}
