package job

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Environment passed to every training container.
const (
	EnvHyperparameters   = "HYPERPARAMETERS"
	EnvDatasetURI        = "DATASET_URI"
	EnvOutputPath        = "OUTPUT_PATH"
	EnvMaxRuntime        = "MAX_RUNTIME_SECONDS"
	EnvMaxWait           = "MAX_WAIT_SECONDS"
	EnvMetricDefinitions = "METRIC_DEFINITIONS"
	EnvInputMode         = "INPUT_MODE"
	EnvInstanceType      = "INSTANCE_TYPE"
	EnvInstanceCount     = "INSTANCE_COUNT"
	EnvExecutionRole     = "EXECUTION_ROLE"
	EnvVolumeSize        = "VOLUME_SIZE_GB"
)

// EnvVar is one environment variable of a training container.
type EnvVar struct {
	Name  string
	Value string
}

// Env renders the request as container environment, in a stable order.
// defaultDefs are used when the request carries no metric definitions.
func (r *CreateRequest) Env(defaultDefs []MetricDefinition) ([]EnvVar, error) {
	hyperparameters, err := json.Marshal(r.Spec.Hyperparameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hyperparameters: %w", err)
	}
	defs := r.Infrastructure.MetricDefinitions
	if len(defs) == 0 {
		defs = defaultDefs
	}
	metricDefs, err := json.Marshal(defs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metric definitions: %w", err)
	}

	infra := r.Infrastructure
	env := []EnvVar{
		{EnvHyperparameters, string(hyperparameters)},
		{EnvDatasetURI, r.Spec.Dataset},
		{EnvOutputPath, infra.OutputPath},
		{EnvMaxRuntime, strconv.Itoa(int(infra.MaxRuntime.Seconds()))},
		{EnvMetricDefinitions, string(metricDefs)},
		{EnvInputMode, infra.InputMode},
		{EnvInstanceType, infra.InstanceType},
		{EnvInstanceCount, strconv.Itoa(max(infra.InstanceCount, 1))},
		{EnvVolumeSize, strconv.Itoa(infra.VolumeSizeGB)},
	}
	if r.MaxWait > 0 {
		env = append(env, EnvVar{EnvMaxWait, strconv.Itoa(int(r.MaxWait.Seconds()))})
	}
	if infra.ExecutionRole != "" {
		env = append(env, EnvVar{EnvExecutionRole, infra.ExecutionRole})
	}
	return env, nil
}

// DecodeMetricDefinitions parses the METRIC_DEFINITIONS value of a job.
func DecodeMetricDefinitions(value string) ([]MetricDefinition, error) {
	var defs []MetricDefinition
	if err := json.Unmarshal([]byte(value), &defs); err != nil {
		return nil, fmt.Errorf("invalid metric definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("invalid metric definitions: empty")
	}
	return defs, nil
}
