// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// KV backends.
const (
	KVBackendNATS   = "nats"
	KVBackendRedis  = "redis"
	KVBackendMemory = "memory"
)

// Storage drivers.
const (
	StorageDriverSQLite   = "sqlite"
	StorageDriverPostgres = "postgres"
	StorageDriverKV       = "kv"
)

// Config represents the complete Semflow configuration
type Config struct {
	// Namespace prefixes every topic, stream and KV key.
	Namespace    string                    `yaml:"namespace"`
	NATS         NATSConfig                `yaml:"nats"`
	KV           KVConfig                  `yaml:"kv"`
	Storage      StorageConfig             `yaml:"storage"`
	Coordinators CoordinatorsConfig        `yaml:"coordinators"`
	Retry        RetryConfig               `yaml:"retry"`
	Sweeper      SweeperConfig             `yaml:"sweeper"`
	Metrics      MetricsConfig             `yaml:"metrics"`
	Tracing      TracingConfig             `yaml:"tracing"`
	Log          LogConfig                 `yaml:"log"`
	Workflows    map[string]WorkflowConfig `yaml:"workflows,omitempty"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// Stream overrides the JetStream stream name derived from the namespace.
	Stream string `yaml:"stream,omitempty"`
	// StoreDir is where the embedded server keeps JetStream data.
	StoreDir   string        `yaml:"store_dir,omitempty"`
	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
}

// KVConfig configures the key-value store
type KVConfig struct {
	Backend string `yaml:"backend"`
	// Bucket is the JetStream KV bucket name for the nats backend.
	Bucket string `yaml:"bucket"`
	// DefaultTTL bounds idempotency claims.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// LockTTL bounds the per-workflow transition lock.
	LockTTL       time.Duration `yaml:"lock_ttl"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
}

// StorageConfig selects where workflows, tasks and events are persisted
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CoordinatorConfig toggles and sizes one coordinator
type CoordinatorConfig struct {
	// Enabled defaults to true when unset.
	Enabled     *bool `yaml:"enabled,omitempty"`
	Concurrency int   `yaml:"concurrency"`
}

// IsEnabled reports whether the coordinator should run.
func (c CoordinatorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CoordinatorsConfig holds per-coordinator settings
type CoordinatorsConfig struct {
	Dispatcher CoordinatorConfig `yaml:"dispatcher"`
	Reconciler CoordinatorConfig `yaml:"reconciler"`
	Sweeper    CoordinatorConfig `yaml:"sweeper"`
}

// RetryConfig is the default handler retry policy
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// SweeperConfig configures the deadline sweeper
type SweeperConfig struct {
	// Schedule is a cron spec, e.g. "@every 30s".
	Schedule string `yaml:"schedule"`
	// Grace is added to a task's timeout before it is failed.
	Grace time.Duration `yaml:"grace"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `yaml:"protocol"`     // "grpc" or "http". Default: "grpc"
	ServiceName string  `yaml:"service_name"` // Default: "semflow"
	SampleRate  float64 `yaml:"sample_rate"`  // 0.0-1.0. Default: 1.0
	Insecure    bool    `yaml:"insecure"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// WorkflowConfig overrides the stage table of one workflow type at startup
type WorkflowConfig struct {
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig describes one stage of a workflow type
type StageConfig struct {
	Name              string `yaml:"name"`
	AgentType         string `yaml:"agent_type"`
	ContinueOnFailure bool   `yaml:"continue_on_failure,omitempty"`
	TimeoutMS         int64  `yaml:"timeout_ms,omitempty"`
	MaxRetries        int    `yaml:"max_retries,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Namespace: "semflow",
		NATS: NATSConfig{
			URL:        "",
			Embedded:   true,
			AckWait:    30 * time.Second,
			MaxDeliver: 5,
		},
		KV: KVConfig{
			Backend:    KVBackendNATS,
			Bucket:     "SEMFLOW_STATE",
			DefaultTTL: 24 * time.Hour,
			LockTTL:    10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageDriverSQLite,
			DSN:    "file:semflow.db?_pragma=busy_timeout(5000)",
		},
		Coordinators: CoordinatorsConfig{
			Dispatcher: CoordinatorConfig{Concurrency: 4},
			Reconciler: CoordinatorConfig{Concurrency: 8},
			Sweeper:    CoordinatorConfig{Concurrency: 1},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.25,
		},
		Sweeper: SweeperConfig{
			Schedule: "@every 30s",
			Grace:    30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			SampleRate: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	switch c.KV.Backend {
	case KVBackendNATS, KVBackendMemory:
	case KVBackendRedis:
		if c.KV.RedisAddr == "" {
			return fmt.Errorf("kv.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("kv.backend must be one of nats, redis, memory (got %q)", c.KV.Backend)
	}
	if c.KV.DefaultTTL <= 0 {
		return fmt.Errorf("kv.default_ttl must be positive")
	}
	switch c.Storage.Driver {
	case StorageDriverSQLite, StorageDriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	case StorageDriverKV:
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres, kv (got %q)", c.Storage.Driver)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	for name, wf := range c.Workflows {
		if len(wf.Stages) == 0 {
			return fmt.Errorf("workflows.%s: at least one stage is required", name)
		}
		for i, s := range wf.Stages {
			if s.Name == "" || s.AgentType == "" {
				return fmt.Errorf("workflows.%s.stages[%d]: name and agent_type are required", name, i)
			}
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Fields the file does not
// set stay zero, so the result is meant to be merged over DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Namespace != "" {
		c.Namespace = other.Namespace
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Stream != "" {
		c.NATS.Stream = other.NATS.Stream
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}
	if other.NATS.AckWait != 0 {
		c.NATS.AckWait = other.NATS.AckWait
	}
	if other.NATS.MaxDeliver != 0 {
		c.NATS.MaxDeliver = other.NATS.MaxDeliver
	}

	// KV
	if other.KV.Backend != "" {
		c.KV.Backend = other.KV.Backend
	}
	if other.KV.Bucket != "" {
		c.KV.Bucket = other.KV.Bucket
	}
	if other.KV.DefaultTTL != 0 {
		c.KV.DefaultTTL = other.KV.DefaultTTL
	}
	if other.KV.LockTTL != 0 {
		c.KV.LockTTL = other.KV.LockTTL
	}
	if other.KV.RedisAddr != "" {
		c.KV.RedisAddr = other.KV.RedisAddr
	}
	if other.KV.RedisPassword != "" {
		c.KV.RedisPassword = other.KV.RedisPassword
	}
	if other.KV.RedisDB != 0 {
		c.KV.RedisDB = other.KV.RedisDB
	}

	// Storage
	if other.Storage.Driver != "" {
		c.Storage.Driver = other.Storage.Driver
	}
	if other.Storage.DSN != "" {
		c.Storage.DSN = other.Storage.DSN
	}

	// Coordinators
	c.Coordinators.Dispatcher.merge(other.Coordinators.Dispatcher)
	c.Coordinators.Reconciler.merge(other.Coordinators.Reconciler)
	c.Coordinators.Sweeper.merge(other.Coordinators.Sweeper)

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BaseDelay != 0 {
		c.Retry.BaseDelay = other.Retry.BaseDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.Jitter != 0 {
		c.Retry.Jitter = other.Retry.Jitter
	}

	// Sweeper
	if other.Sweeper.Schedule != "" {
		c.Sweeper.Schedule = other.Sweeper.Schedule
	}
	if other.Sweeper.Grace != 0 {
		c.Sweeper.Grace = other.Sweeper.Grace
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Tracing is taken as a block once enabled.
	if other.Tracing.Enabled {
		c.Tracing = other.Tracing
		if c.Tracing.Protocol == "" {
			c.Tracing.Protocol = "grpc"
		}
		if c.Tracing.SampleRate == 0 {
			c.Tracing.SampleRate = 1.0
		}
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	// Workflow overrides replace per type.
	for name, wf := range other.Workflows {
		if c.Workflows == nil {
			c.Workflows = make(map[string]WorkflowConfig)
		}
		c.Workflows[name] = wf
	}
}

func (c *CoordinatorConfig) merge(other CoordinatorConfig) {
	if other.Enabled != nil {
		enabled := *other.Enabled
		c.Enabled = &enabled
	}
	if other.Concurrency != 0 {
		c.Concurrency = other.Concurrency
	}
}
