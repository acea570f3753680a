package docker

import (
	"jobfleet/internal/config"
	"jobfleet/internal/job"
	"jobfleet/internal/orchestrator/transport"
)

// Config holds configuration for the Docker backend.
type Config struct {
	Transport         transport.Config
	MetricDefinitions []job.MetricDefinition // used when a container carries none
	Network           string                 // network to attach job containers to (optional)
	ExtraHosts        []string               // extra /etc/hosts entries (e.g., ["minio.test:host-gateway"])
}

// LoadConfigFromEnv loads Docker backend configuration from environment variables.
func LoadConfigFromEnv(run *config.RunConfig) Config {
	return Config{
		Transport: transport.Config{
			MaxAttempts:    run.TransportMaxAttempts,
			ConnectTimeout: run.ConnectTimeout,
			ReadTimeout:    run.ReadTimeout,
		},
		MetricDefinitions: job.DefaultMetricDefinitions,
		Network:           config.GetEnv("DOCKER_NETWORK", ""),
		ExtraHosts:        config.GetListEnv("EXTRA_HOSTS", nil),
	}
}
