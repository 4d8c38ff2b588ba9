// Package config provides configuration loading for agentflow.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then AGENTFLOW_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete agentflow configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Bus           BusConfig           `koanf:"bus"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Progress      ProgressConfig      `koanf:"progress"`
	NATS          NATSConfig          `koanf:"nats"`
	History       HistoryConfig       `koanf:"history"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP status API configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	// RequestTimeout is used by Request calls that pass a zero timeout.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// SchedulerConfig holds worker pool and queue configuration.
type SchedulerConfig struct {
	Concurrency   int     `koanf:"concurrency"`
	MaxQueueDepth int     `koanf:"max_queue_depth"` // 0 = unbounded
	DispatchRate  float64 `koanf:"dispatch_rate"`   // tasks per second, 0 = unthrottled
	DispatchBurst int     `koanf:"dispatch_burst"`
}

// ProgressConfig holds progress aggregator configuration.
type ProgressConfig struct {
	Interval       time.Duration `koanf:"interval"`
	ActionCapacity int           `koanf:"action_capacity"`
	Retention      time.Duration `koanf:"retention"`
}

// NATSConfig holds the event relay connection.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Token         Secret `koanf:"token"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// HistoryConfig holds the sqlite task history store.
type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
}

// LoggingConfig holds the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout or bus request timeout is not positive
//   - Scheduler concurrency is below 1, or queue depth / dispatch rate are negative
//   - Progress interval is not positive or action capacity is below 1
//   - NATS or history are enabled without a URL / path
//   - Service name is empty (when telemetry is enabled)
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Bus.RequestTimeout <= 0 {
		return errors.New("bus request timeout must be positive")
	}

	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler concurrency must be >= 1, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.MaxQueueDepth < 0 {
		return fmt.Errorf("scheduler max_queue_depth must be >= 0, got %d", c.Scheduler.MaxQueueDepth)
	}
	if c.Scheduler.DispatchRate < 0 {
		return fmt.Errorf("scheduler dispatch_rate must be >= 0, got %f", c.Scheduler.DispatchRate)
	}

	if c.Progress.Interval <= 0 {
		return errors.New("progress interval must be positive")
	}
	if c.Progress.ActionCapacity < 1 {
		return fmt.Errorf("progress action_capacity must be >= 1, got %d", c.Progress.ActionCapacity)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}
	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history path required when history is enabled")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Bus.RequestTimeout == 0 {
		cfg.Bus.RequestTimeout = 30 * time.Second
	}

	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 4
	}
	if cfg.Scheduler.DispatchRate > 0 && cfg.Scheduler.DispatchBurst == 0 {
		cfg.Scheduler.DispatchBurst = 1
	}

	if cfg.Progress.Interval == 0 {
		cfg.Progress.Interval = 500 * time.Millisecond
	}
	if cfg.Progress.ActionCapacity == 0 {
		cfg.Progress.ActionCapacity = 50
	}
	if cfg.Progress.Retention == 0 {
		cfg.Progress.Retention = 10 * time.Minute
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "agentflow"
	}

	if cfg.History.Path == "" {
		cfg.History.Path = "~/.config/agentflow/history.db"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "agentflow"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
