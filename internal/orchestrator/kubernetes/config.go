package kubernetes

import (
	"strings"

	"jobfleet/internal/config"
	"jobfleet/internal/job"
	"jobfleet/internal/orchestrator/transport"
)

// Config holds configuration for the Kubernetes backend.
type Config struct {
	Namespace string
	// SpotNodeSelector pins spot jobs to preemptible nodes. Empty leaves
	// spot jobs unconstrained.
	SpotNodeSelector  map[string]string
	ServiceAccount    string
	Kubeconfig        string // used outside a cluster; defaults to ~/.kube/config
	Transport         transport.Config
	MetricDefinitions []job.MetricDefinition
}

// LoadConfigFromEnv loads Kubernetes backend configuration from environment variables.
func LoadConfigFromEnv(run *config.RunConfig) Config {
	return Config{
		Namespace:        run.Namespace,
		SpotNodeSelector: ParseSelector(run.SpotNodeSelector),
		ServiceAccount:   config.GetEnv("K8S_SERVICE_ACCOUNT", ""),
		Kubeconfig:       config.GetEnv("KUBECONFIG", ""),
		Transport: transport.Config{
			MaxAttempts:    run.TransportMaxAttempts,
			ConnectTimeout: run.ConnectTimeout,
			ReadTimeout:    run.ReadTimeout,
		},
		MetricDefinitions: job.DefaultMetricDefinitions,
	}
}

// ParseSelector parses "k=v,k2=v2" into a node selector. Malformed pairs are skipped.
func ParseSelector(s string) map[string]string {
	selector := make(map[string]string)
	for pair := range strings.SplitSeq(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		selector[k] = v
	}
	if len(selector) == 0 {
		return nil
	}
	return selector
}
