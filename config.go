// Package gateway is the multi-tenant LLM reverse-proxy gateway. Gateway is
// the main entry point: construct one with New, wire it to an HTTP router
// with Handler, and start its background workers with StartWorkers.
package gateway

import "time"

// Config holds the full gateway configuration.
type Config struct {
	Global         GlobalConfig         `json:"global" yaml:"global"`
	LogCleanup     LogCleanupConfig     `json:"log_cleanup" yaml:"log_cleanup"`
	HealthCheck    HealthCheckConfig    `json:"health_check" yaml:"health_check"`
	KeyHealthCheck KeyHealthCheckConfig `json:"key_health_check" yaml:"key_health_check"`
	RequestLogging RequestLoggingConfig `json:"request_logging" yaml:"request_logging"`
	Auth           AuthConfig           `json:"auth" yaml:"auth"`
	Database       DatabaseConfig       `json:"database" yaml:"database"`
}

// GlobalConfig holds gateway-wide defaults.
type GlobalConfig struct {
	ConnectionTimeoutSeconds int `json:"connection_timeout" yaml:"connection_timeout"`
}

// LogCleanupConfig configures the log-cleanup background worker.
type LogCleanupConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	IntervalHours    int  `json:"interval_hours" yaml:"interval_hours"`
	CleanupOnStartup bool `json:"cleanup_on_startup" yaml:"cleanup_on_startup"`
	RetentionDays    int  `json:"retention_days" yaml:"retention_days"`
}

// HealthCheckConfig configures the provider/key/model health prober.
type HealthCheckConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	IntervalMinutes     int  `json:"interval_minutes" yaml:"interval_minutes"`
	CheckOnStartup      bool `json:"check_on_startup" yaml:"check_on_startup"`
	EnableCleanup       bool `json:"enable_cleanup" yaml:"enable_cleanup"`
	RetentionDays       int  `json:"retention_days" yaml:"retention_days"`
	MaxConcurrentGroups int  `json:"max_concurrent_groups" yaml:"max_concurrent_groups"`
	CheckTimeoutSeconds int  `json:"check_timeout_seconds" yaml:"check_timeout_seconds"`
}

// KeyHealthCheckConfig configures the key-recovery background worker.
type KeyHealthCheckConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IntervalMinutes int  `json:"interval_minutes" yaml:"interval_minutes"`
}

// RequestLoggingConfig configures the async log pipeline.
type RequestLoggingConfig struct {
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Queue         LogQueueConfig `json:"queue" yaml:"queue"`
	RetentionDays int            `json:"retention_days" yaml:"retention_days"`
}

// LogQueueConfig configures the bounded in-memory log queue and its worker.
type LogQueueConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	MaxCapacity              int    `json:"max_capacity" yaml:"max_capacity"`
	BatchSize                int    `json:"batch_size" yaml:"batch_size"`
	ProcessingIntervalMS     int    `json:"processing_interval_ms" yaml:"processing_interval_ms"`
	MaxRetries               int    `json:"max_retries" yaml:"max_retries"`
	RetryDelayMS             int    `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	GracefulShutdownTimeoutMS int   `json:"graceful_shutdown_timeout_ms" yaml:"graceful_shutdown_timeout_ms"`
	FullStrategy             string `json:"full_strategy" yaml:"full_strategy"` // drop_oldest | reject_new | block
}

// AuthConfig configures the admin session-token auth collaborator.
type AuthConfig struct {
	JWTSecret             string `json:"jwt_secret" yaml:"jwt_secret"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds" yaml:"session_timeout_seconds"`
}

// DatabaseConfig selects and configures the relational persistence backend.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite | postgres
	DSN    string `json:"dsn" yaml:"dsn"`
}

// ConnectionTimeout returns Global.ConnectionTimeoutSeconds as a duration,
// defaulting to 30s.
func (c GlobalConfig) ConnectionTimeout() time.Duration {
	if c.ConnectionTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// Default returns a Config populated with the gateway's baseline defaults.
func Default() Config {
	return Config{
		Global: GlobalConfig{ConnectionTimeoutSeconds: 30},
		LogCleanup: LogCleanupConfig{
			Enabled:       true,
			IntervalHours: 24,
			RetentionDays: 30,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:             true,
			IntervalMinutes:     30,
			RetentionDays:       7,
			MaxConcurrentGroups: 4,
			CheckTimeoutSeconds: 10,
		},
		KeyHealthCheck: KeyHealthCheckConfig{
			Enabled:         true,
			IntervalMinutes: 5,
		},
		RequestLogging: RequestLoggingConfig{
			Enabled: true,
			Queue: LogQueueConfig{
				Enabled:                   true,
				MaxCapacity:               10000,
				BatchSize:                 100,
				ProcessingIntervalMS:      100,
				MaxRetries:                3,
				RetryDelayMS:              500,
				GracefulShutdownTimeoutMS: 5000,
				FullStrategy:              "drop_oldest",
			},
			RetentionDays: 30,
		},
		Auth: AuthConfig{SessionTimeoutSeconds: 3600},
	}
}
