// Package telemetry sets up OpenTelemetry tracing and metrics export for the
// daemon. It is off unless observability.enable_telemetry is set.
package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/agentflow/internal/config"
)

// OTLP transports.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string

	// Insecure disables TLS. Only loopback endpoints may be insecure.
	Insecure bool

	// SampleRatio is the fraction of root traces kept, 0 to 1.
	SampleRatio float64

	// ExportMetrics enables the OTLP metric pipeline. Prometheus metrics at
	// /metrics are independent of it.
	ExportMetrics  bool
	ExportInterval config.Duration

	Shutdown ShutdownConfig
}

// ShutdownConfig bounds Telemetry.Shutdown when its context has no deadline.
type ShutdownConfig struct {
	Timeout config.Duration
}

// NewDefaultConfig returns a disabled configuration aimed at a local
// collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       ProtocolGRPC,
		ServiceName:    "agentflow",
		ServiceVersion: "dev",
		Insecure:       true,
		SampleRatio:    1,
		ExportMetrics:  true,
		ExportInterval: config.Duration(15 * time.Second),
		Shutdown:       ShutdownConfig{Timeout: config.Duration(5 * time.Second)},
	}
}

// FromAppConfig maps the observability section onto the defaults.
func FromAppConfig(app config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = app.EnableTelemetry
	if app.ServiceName != "" {
		cfg.ServiceName = app.ServiceName
	}
	if app.Endpoint != "" {
		cfg.Endpoint = app.Endpoint
		cfg.Insecure = isLocalEndpoint(app.Endpoint)
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks an enabled configuration. Disabled configurations are
// always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Endpoint == "":
		return errors.New("endpoint is required when telemetry is enabled")
	case c.ServiceName == "":
		return errors.New("service name is required when telemetry is enabled")
	case c.Protocol != "" && c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP:
		return fmt.Errorf("protocol must be %s or %s, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	case c.Insecure && !isLocalEndpoint(c.Endpoint):
		return fmt.Errorf("insecure export to remote endpoint %s is not allowed", c.Endpoint)
	case c.SampleRatio < 0 || c.SampleRatio > 1:
		return fmt.Errorf("sample ratio must be between 0 and 1, got %g", c.SampleRatio)
	case c.ExportMetrics && c.ExportInterval.Duration() <= 0:
		return errors.New("metric export interval must be positive")
	case c.Shutdown.Timeout.Duration() <= 0:
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}

// isLocalEndpoint reports whether endpoint's host is a loopback address.
func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func stripScheme(endpoint string) string {
	if _, rest, ok := strings.Cut(endpoint, "://"); ok {
		return rest
	}
	return endpoint
}
