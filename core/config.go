package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all tunable settings of the execution engine.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options on the individual components (highest priority)
type Config struct {
	// RetentionDays is the age threshold for the retention worker; executions
	// in a terminal state older than this are deleted. Must be >= 1.
	RetentionDays int `json:"retention_days" env:"STEPFLOW_RETENTION_DAYS"`

	// RetentionBatchSize bounds how many executions one retention batch sweeps.
	RetentionBatchSize int `json:"retention_batch_size" env:"STEPFLOW_RETENTION_BATCH_SIZE"`

	// RetentionRunAt is the local wall-clock time ("HH:MM") of the daily sweep.
	RetentionRunAt string `json:"retention_run_at" env:"STEPFLOW_RETENTION_RUN_AT"`

	// TimeoutScanInterval is the cadence of the event-wait deadline sweeper.
	TimeoutScanInterval time.Duration `json:"timeout_scan_interval" env:"STEPFLOW_TIMEOUT_SCAN_INTERVAL"`

	// MaxOptimisticRetries bounds version-conflict retries on state updates.
	MaxOptimisticRetries int `json:"max_optimistic_retries" env:"STEPFLOW_MAX_OPTIMISTIC_RETRIES"`

	// DefaultStepTimeout applies when an event-driven action omits its own.
	DefaultStepTimeout time.Duration `json:"default_step_timeout" env:"STEPFLOW_DEFAULT_STEP_TIMEOUT"`

	// MaxParallelSteps bounds concurrently dispatched steps per engine instance.
	MaxParallelSteps int `json:"max_parallel_steps" env:"STEPFLOW_MAX_PARALLEL_STEPS"`

	// SystemUserID is the default initiator for internally triggered executions.
	SystemUserID string `json:"system_user_id" env:"STEPFLOW_SYSTEM_USER_ID"`

	// IngressTopic is the event-bus topic the runtime subscribes to for
	// inbound completion events from external workflows.
	IngressTopic string `json:"ingress_topic" env:"STEPFLOW_INGRESS_TOPIC"`

	// DatabaseURL is the Postgres DSN for the relational store.
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"`

	// RedisURL is the connection URL for the pub/sub event bus.
	RedisURL string `json:"redis_url" env:"REDIS_URL"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		RetentionDays:        30,
		RetentionBatchSize:   100,
		RetentionRunAt:       "02:00",
		TimeoutScanInterval:  5 * time.Second,
		MaxOptimisticRetries: 3,
		DefaultStepTimeout:   30 * time.Minute,
		MaxParallelSteps:     5,
		SystemUserID:         "system",
		IngressTopic:         "stepflow.events",
		DatabaseURL:          "",
		RedisURL:             "redis://localhost:6379",
	}
}

// LoadConfigFromEnv builds a Config from defaults overlaid with environment
// variables.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.RetentionDays = getEnvIntOrDefault("STEPFLOW_RETENTION_DAYS", cfg.RetentionDays)
	cfg.RetentionBatchSize = getEnvIntOrDefault("STEPFLOW_RETENTION_BATCH_SIZE", cfg.RetentionBatchSize)
	cfg.RetentionRunAt = getEnvOrDefault("STEPFLOW_RETENTION_RUN_AT", cfg.RetentionRunAt)
	cfg.TimeoutScanInterval = getEnvDurationOrDefault("STEPFLOW_TIMEOUT_SCAN_INTERVAL", cfg.TimeoutScanInterval)
	cfg.MaxOptimisticRetries = getEnvIntOrDefault("STEPFLOW_MAX_OPTIMISTIC_RETRIES", cfg.MaxOptimisticRetries)
	cfg.DefaultStepTimeout = getEnvDurationOrDefault("STEPFLOW_DEFAULT_STEP_TIMEOUT", cfg.DefaultStepTimeout)
	cfg.MaxParallelSteps = getEnvIntOrDefault("STEPFLOW_MAX_PARALLEL_STEPS", cfg.MaxParallelSteps)
	cfg.SystemUserID = getEnvOrDefault("STEPFLOW_SYSTEM_USER_ID", cfg.SystemUserID)
	cfg.IngressTopic = getEnvOrDefault("STEPFLOW_INGRESS_TOPIC", cfg.IngressTopic)
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnvOrDefault("REDIS_URL", cfg.RedisURL)
	return cfg
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d: %w", c.RetentionDays, ErrInvalidDefinition)
	}
	if c.RetentionBatchSize < 1 {
		return fmt.Errorf("retention_batch_size must be >= 1, got %d: %w", c.RetentionBatchSize, ErrInvalidDefinition)
	}
	if _, _, err := ParseWallClock(c.RetentionRunAt); err != nil {
		return fmt.Errorf("retention_run_at: %w", err)
	}
	if c.TimeoutScanInterval <= 0 {
		return fmt.Errorf("timeout_scan_interval must be positive, got %s: %w", c.TimeoutScanInterval, ErrInvalidDefinition)
	}
	if c.MaxOptimisticRetries < 1 {
		return fmt.Errorf("max_optimistic_retries must be >= 1, got %d: %w", c.MaxOptimisticRetries, ErrInvalidDefinition)
	}
	if c.DefaultStepTimeout <= 0 {
		return fmt.Errorf("default_step_timeout must be positive, got %s: %w", c.DefaultStepTimeout, ErrInvalidDefinition)
	}
	if c.MaxParallelSteps < 1 {
		return fmt.Errorf("max_parallel_steps must be >= 1, got %d: %w", c.MaxParallelSteps, ErrInvalidDefinition)
	}
	return nil
}

// ParseWallClock parses a "HH:MM" local wall-clock string.
func ParseWallClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q: %w", s, ErrInvalidDefinition)
	}
	return t.Hour(), t.Minute(), nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as int or a default.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable parsed either as a
// time.Duration ("30s") or as an integer number of seconds ("30").
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
