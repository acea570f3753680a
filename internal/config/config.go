// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the jobfleet HTTP service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	TracingEndpoint   string        // OTLP/gRPC collector address; empty disables tracing
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		TracingEndpoint:   GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Backends understood by BACKEND.
const (
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// DefaultDatasetPrefixes are the VisA anomaly categories rotated across a batch.
var DefaultDatasetPrefixes = []string{
	"candle", "capsules", "cashew", "chewinggum", "fryum", "macaroni1",
	"macaroni2", "pcb1", "pcb2", "pcb3", "pcb4", "pipe_fryum",
}

// DefaultHyperparameters are the base hyperparameters of every training job.
var DefaultHyperparameters = map[string]string{
	"batch-size":    "128",
	"epochs":        "25",
	"learning-rate": "0.0001",
}

// DefaultMaxTotalJobs caps the jobs of one batch run.
const DefaultMaxTotalJobs = 10000

// RunConfig describes where and how training jobs are submitted.
//
// Two retry budgets apply to every create call. The backend transport retries
// connection failures and 429/5xx responses up to TransportMaxAttempts times,
// each try bounded by ConnectTimeout+ReadTimeout. The submitter wraps that in
// SubmitMaxAttempts application-level attempts with 1s+2^n backoff. See
// WorstCaseAttempts.
type RunConfig struct {
	Backend string

	// Fixed infrastructure parameters of every job.
	TrainingImage string
	OutputPath    string
	ExecutionRole string
	InstanceType  string
	InstanceCount int
	VolumeSizeGB  int
	CPU           float64 // container backends, cores
	MemoryMB      int     // container backends
	MaxRuntime    time.Duration

	DatasetBaseURI  string
	DatasetPrefixes []string
	Hyperparameters map[string]string

	SubmitMaxAttempts int
	ClassifyErrors    bool // stop retrying validation/conflict errors

	TransportMaxAttempts int
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration

	MaxTotalJobs    int           // per batch run
	RunRetention    time.Duration // finished runs stay queryable this long
	MaxFinishedRuns int
	ListPageSize int
	SubmitRate   float64 // creates per second, 0 = unlimited
	SubmitBurst  int

	Namespace        string // kubernetes
	SpotNodeSelector string // kubernetes, "key=value"

	CallbackURL    string
	CallbackKey    string
	ObjectStoreURL string
}

// LoadRunConfig loads submission configuration from environment variables.
func LoadRunConfig() *RunConfig {
	cfg := &RunConfig{
		Backend:              GetEnv("BACKEND", BackendDocker),
		TrainingImage:        GetEnv("TRAINING_IMAGE", "anomaly-training:latest"),
		OutputPath:           GetEnv("OUTPUT_PATH", "s3://training-output/"),
		ExecutionRole:        GetEnv("EXECUTION_ROLE", ""),
		InstanceType:         GetEnv("INSTANCE_TYPE", "ml.p3.2xlarge"),
		InstanceCount:        GetIntEnv("INSTANCE_COUNT", 1),
		VolumeSizeGB:         GetIntEnv("VOLUME_SIZE_GB", 30),
		CPU:                  GetFloatEnv("JOB_CPU", 4),
		MemoryMB:             GetIntEnv("JOB_MEMORY_MB", 16384),
		MaxRuntime:           GetDurationEnv("MAX_RUNTIME", 24*time.Hour),
		DatasetBaseURI:       GetEnv("DATASET_BASE_URI", "s3://training-data/VisA_pytorch/1cls"),
		DatasetPrefixes:      GetListEnv("DATASET_PREFIXES", DefaultDatasetPrefixes),
		Hyperparameters:      GetMapEnv("HYPERPARAMETERS", DefaultHyperparameters),
		SubmitMaxAttempts:    GetIntEnv("SUBMIT_MAX_ATTEMPTS", 4),
		ClassifyErrors:       GetBoolEnv("RETRY_CLASSIFY_ERRORS", false),
		TransportMaxAttempts: GetIntEnv("TRANSPORT_MAX_ATTEMPTS", 10),
		ConnectTimeout:       GetDurationEnv("CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:          GetDurationEnv("READ_TIMEOUT", 5*time.Second),
		MaxTotalJobs:         GetIntEnv("MAX_TOTAL_JOBS", DefaultMaxTotalJobs),
		RunRetention:         GetDurationEnv("RUN_RETENTION", time.Hour),
		MaxFinishedRuns:      GetIntEnv("MAX_FINISHED_RUNS", 100),
		ListPageSize:         GetIntEnv("LIST_PAGE_SIZE", 100),
		SubmitRate:           GetFloatEnv("SUBMIT_RATE", 0),
		SubmitBurst:          GetIntEnv("SUBMIT_BURST", 1),
		Namespace:            GetEnv("K8S_NAMESPACE", "default"),
		SpotNodeSelector:     GetEnv("K8S_SPOT_SELECTOR", ""),
		CallbackURL:          GetEnv("CALLBACK_URL", ""),
		CallbackKey:          GetSecretFile(GetEnv("CALLBACK_KEY_FILE", "")),
		ObjectStoreURL:       GetEnv("OBJECT_STORE_URL", ""),
	}
	return cfg.WithDefaults()
}

// WithDefaults fills in zero and out-of-range values.
func (c RunConfig) WithDefaults() *RunConfig {
	if c.Backend == "" {
		c.Backend = BackendDocker
	}
	if c.InstanceCount <= 0 {
		c.InstanceCount = 1
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = 24 * time.Hour
	}
	if len(c.DatasetPrefixes) == 0 {
		c.DatasetPrefixes = DefaultDatasetPrefixes
	}
	if c.Hyperparameters == nil {
		c.Hyperparameters = DefaultHyperparameters
	}
	if c.SubmitMaxAttempts <= 0 {
		c.SubmitMaxAttempts = 4
	}
	if c.TransportMaxAttempts <= 0 {
		c.TransportMaxAttempts = 1
	}
	if c.MaxTotalJobs <= 0 {
		c.MaxTotalJobs = DefaultMaxTotalJobs
	}
	if c.RunRetention <= 0 {
		c.RunRetention = time.Hour
	}
	if c.MaxFinishedRuns <= 0 {
		c.MaxFinishedRuns = 100
	}
	if c.ListPageSize <= 0 || c.ListPageSize > 100 {
		c.ListPageSize = 100
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 1
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	return &c
}

// WorstCaseAttempts is the largest number of create requests a single job
// submission can send: transport retries compound under application retries.
func (c *RunConfig) WorstCaseAttempts() int {
	return c.TransportMaxAttempts * c.SubmitMaxAttempts
}

// AttemptTimeout bounds one transport-level try: the time allowed for
// response headers before the transport gives up on it.
func (c *RunConfig) AttemptTimeout() time.Duration {
	return c.ConnectTimeout + c.ReadTimeout
}
