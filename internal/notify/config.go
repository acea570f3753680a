package notify

import (
	"time"

	"jobfleet/internal/config"
)

const (
	defaultMaxAttempts      = 4
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds configuration for the in-memory notifier.
type Config struct {
	BufferSize      int           // pending events (default: 1000)
	Workers         int           // concurrent deliveries (default: 4)
	HTTPTimeout     time.Duration // per-request timeout (default: 10s)
	MaxAttempts     int           // tries per delivery (default: 4)
	BreakerCooldown time.Duration // open-breaker wait before requeue (default: 30s)
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		MaxAttempts: config.GetIntEnv("NOTIFY_MAX_ATTEMPTS", defaultMaxAttempts),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	return c
}
