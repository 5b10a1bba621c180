// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon configuration: a YAML file
// layered under explicit CRUCIBLE_* environment overrides, with defaults
// for every knob so an empty config is a working config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crucible-dev/crucible/pkg/errors"
)

// MaxPageSize caps list pagination. Requests above it are rejected, not
// clamped.
const MaxPageSize = 100

// Config is the root daemon configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Log           LogConfig           `yaml:"log"`
	Store         StoreConfig         `yaml:"store"`
	Queue         QueueConfig         `yaml:"queue"`
	Engine        EngineConfig        `yaml:"engine"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address the API server binds to.
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds how long the HTTP server waits for in-flight
	// requests during shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout bounds how long the daemon waits for in-flight
	// executions to finish after intake stops.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// RateLimit is the sustained request rate per client; RateBurst is the
	// token bucket size. Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	// Enabled turns authentication on. When off, requests may carry an
	// X-User-ID header directly (development mode).
	Enabled bool `yaml:"enabled"`

	// JWTSecret is the HMAC secret for bearer JWT validation.
	JWTSecret string `yaml:"jwt_secret"`

	// JWTIssuer and JWTAudience, when set, are enforced on tokens.
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	// StaticTokens maps user IDs to argon2id token hashes for non-JWT
	// API clients.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	// Type is one of "sqlite", "memory", "mongo".
	Type string `yaml:"type"`

	SQLite SQLiteConfig `yaml:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongo"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// QueueConfig configures the scheduling queue and its worker loop.
type QueueConfig struct {
	// PollInterval is the sleep between worker sweeps.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProcessingTimeout is the lease duration; items leased longer than
	// this are reclaimed and retried.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// MaxRetries is the default queue-level retry budget.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase scales the linear retry backoff: delay = retry_count * base.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BatchSize caps how many items one sweep dequeues.
	BatchSize int `yaml:"batch_size"`
}

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	// MaxConcurrentExecutions bounds in-flight executions per process.
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`

	// DefaultTimeout and DefaultStepTimeout apply when a request omits
	// execution_config timeouts.
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`

	// StepCountThreshold partitions step storage: estimated step counts at
	// or above it go to the normalized collection.
	StepCountThreshold int `yaml:"step_count_threshold"`

	// MaxParallelCases bounds suite-level parallelism.
	MaxParallelCases int `yaml:"max_parallel_cases"`
}

// MonitorConfig configures health checks, alert thresholds, and retention.
// The thresholds the source hard-coded are configuration here.
type MonitorConfig struct {
	// HealthCheckInterval is the period of the monitoring loop.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// StoreResponseWarn marks the store WARNING when a ping takes longer.
	StoreResponseWarn time.Duration `yaml:"store_response_warn"`

	// StuckRunAge marks the engine WARNING when a RUNNING execution
	// started longer ago than this.
	StuckRunAge time.Duration `yaml:"stuck_run_age"`

	// QueueDepthWarn marks the queue WARNING above this depth.
	QueueDepthWarn int `yaml:"queue_depth_warn"`

	// PerformanceWindow is the look-back for the performance check.
	PerformanceWindow time.Duration `yaml:"performance_window"`

	// AvgDurationWarn and FailureRateWarn are the performance thresholds.
	AvgDurationWarn time.Duration `yaml:"avg_duration_warn"`
	FailureRateWarn float64       `yaml:"failure_rate_warn"`

	// SlowStepThreshold feeds result-processor recommendations.
	SlowStepThreshold time.Duration `yaml:"slow_step_threshold"`

	// MinSamplesForAlert guards failure-rate alerts against thin data.
	MinSamplesForAlert int `yaml:"min_samples_for_alert"`

	// MetricsRetentionDays prunes metric and health rows older than this.
	MetricsRetentionDays int `yaml:"metrics_retention_days"`
}

// CatalogConfig configures the file-based test catalog.
type CatalogConfig struct {
	// Dir is the catalog root directory. Empty disables the file catalog.
	Dir string `yaml:"dir"`

	// Patterns are doublestar globs selecting definition files,
	// relative to Dir.
	Patterns []string `yaml:"patterns"`

	// Watch enables hot-reload on file changes.
	Watch bool `yaml:"watch"`
}

// ObservabilityConfig configures metrics and trace export.
type ObservabilityConfig struct {
	// MetricsEnabled serves Prometheus metrics when true.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsListen is the Prometheus scrape address.
	MetricsListen string `yaml:"metrics_listen"`

	// OTLPEndpoint enables OTLP trace export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Default returns the configuration the daemon runs with when no file and
// no environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8780",
			ShutdownTimeout: 10 * time.Second,
			DrainTimeout:    2 * time.Minute,
			RateLimit:       50,
			RateBurst:       100,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "crucible.db",
				WAL:  true,
			},
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "crucible",
				Timeout:  10 * time.Second,
			},
		},
		Queue: QueueConfig{
			PollInterval:      5 * time.Second,
			ProcessingTimeout: 30 * time.Minute,
			MaxRetries:        3,
			BackoffBase:       2 * time.Minute,
			BatchSize:         5,
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 10,
			DefaultTimeout:          30 * time.Minute,
			DefaultStepTimeout:      5 * time.Minute,
			StepCountThreshold:      50,
			MaxParallelCases:        5,
		},
		Monitor: MonitorConfig{
			HealthCheckInterval:  60 * time.Second,
			StoreResponseWarn:    5 * time.Second,
			StuckRunAge:          2 * time.Hour,
			QueueDepthWarn:       100,
			PerformanceWindow:    time.Hour,
			AvgDurationWarn:      5 * time.Minute,
			FailureRateWarn:      0.20,
			SlowStepThreshold:    30 * time.Second,
			MinSamplesForAlert:   10,
			MetricsRetentionDays: 30,
		},
		Catalog: CatalogConfig{
			Patterns: []string{"**/*.yaml", "**/*.yml"},
			Watch:    true,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsListen:  "127.0.0.1:8781",
		},
	}
}

// Load reads the configuration: defaults, then the YAML file at path (if
// path is non-empty the file must exist), then environment overrides,
// then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot parse config file", Cause: err}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers CRUCIBLE_* environment variables on top of the
// file. Only operational knobs are overridable; structural settings stay
// in the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CRUCIBLE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CRUCIBLE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CRUCIBLE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("CRUCIBLE_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("CRUCIBLE_SQLITE_PATH"); v != "" {
		c.Store.SQLite.Path = v
	}
	if v := os.Getenv("CRUCIBLE_MONGO_URI"); v != "" {
		c.Store.Mongo.URI = v
	}
	if v := os.Getenv("CRUCIBLE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
		c.Auth.Enabled = true
	}
	if v := os.Getenv("CRUCIBLE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxConcurrentExecutions = n
		}
	}
	if v := os.Getenv("CRUCIBLE_CATALOG_DIR"); v != "" {
		c.Catalog.Dir = v
	}
	if v := os.Getenv("CRUCIBLE_METRICS_LISTEN"); v != "" {
		c.Observability.MetricsListen = v
		c.Observability.MetricsEnabled = true
	}
	if v := os.Getenv("CRUCIBLE_OTLP_ENDPOINT"); v != "" {
		c.Observability.OTLPEndpoint = v
	}
}

// Validate checks value ranges and cross-field invariants.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return &errors.ConfigError{Key: "server.listen", Reason: "must not be empty"}
	}
	switch c.Store.Type {
	case "sqlite", "memory", "mongo":
	default:
		return &errors.ConfigError{Key: "store.type", Reason: fmt.Sprintf("unknown store type %q", c.Store.Type)}
	}
	if c.Store.Type == "sqlite" && c.Store.SQLite.Path == "" {
		return &errors.ConfigError{Key: "store.sqlite.path", Reason: "must not be empty"}
	}
	if c.Queue.PollInterval <= 0 {
		return &errors.ConfigError{Key: "queue.poll_interval", Reason: "must be positive"}
	}
	if c.Queue.ProcessingTimeout <= 0 {
		return &errors.ConfigError{Key: "queue.processing_timeout", Reason: "must be positive"}
	}
	if c.Queue.MaxRetries < 0 {
		return &errors.ConfigError{Key: "queue.max_retries", Reason: "must not be negative"}
	}
	if c.Queue.BatchSize < 1 {
		return &errors.ConfigError{Key: "queue.batch_size", Reason: "must be at least 1"}
	}
	if c.Engine.MaxConcurrentExecutions < 1 {
		return &errors.ConfigError{Key: "engine.max_concurrent_executions", Reason: "must be at least 1"}
	}
	if c.Engine.DefaultStepTimeout >= c.Engine.DefaultTimeout {
		return &errors.ConfigError{Key: "engine.default_step_timeout", Reason: "must be strictly less than engine.default_timeout"}
	}
	if c.Engine.StepCountThreshold < 1 {
		return &errors.ConfigError{Key: "engine.step_count_threshold", Reason: "must be at least 1"}
	}
	if c.Engine.MaxParallelCases < 1 {
		return &errors.ConfigError{Key: "engine.max_parallel_cases", Reason: "must be at least 1"}
	}
	if c.Monitor.HealthCheckInterval <= 0 {
		return &errors.ConfigError{Key: "monitor.health_check_interval", Reason: "must be positive"}
	}
	if c.Monitor.FailureRateWarn < 0 || c.Monitor.FailureRateWarn > 1 {
		return &errors.ConfigError{Key: "monitor.failure_rate_warn", Reason: "must be between 0 and 1"}
	}
	if c.Monitor.MetricsRetentionDays < 1 {
		return &errors.ConfigError{Key: "monitor.metrics_retention_days", Reason: "must be at least 1"}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.StaticTokens) == 0 {
		return &errors.ConfigError{Key: "auth", Reason: "auth enabled but no jwt_secret or static_tokens configured"}
	}
	return nil
}
