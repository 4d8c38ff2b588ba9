package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fyrsmithlabs/agentflow/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NoError(t, tel.Err())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestShutdown_Idempotent(t *testing.T) {
	tt := NewTestTelemetry()
	require.True(t, tt.IsEnabled())

	require.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.IsEnabled())
	assert.NoError(t, tt.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "collector.example.com:4317"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips validation", func(c *Config) { c.Endpoint = "" }, false},
		{"enabled local", func(c *Config) { c.Enabled = true }, false},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, true},
		{"bad sampling", func(c *Config) { c.Enabled = true; c.SampleRatio = 2 }, true},
		{"missing service", func(c *Config) { c.Enabled = true; c.ServiceName = "" }, true},
		{"remote tls", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://otel.example.com:4318"
			c.Insecure = false
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "agentflow-dev",
		Endpoint:        "127.0.0.1:4317",
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "agentflow-dev", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.True(t, cfg.Insecure)
	assert.NoError(t, cfg.Validate())
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.True(t, isLocalEndpoint("127.0.0.1"))
	assert.False(t, isLocalEndpoint("otel.example.com:4317"))
	assert.False(t, isLocalEndpoint("https://10.0.0.5:4318"))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "pipeline.stage")
	span.SetAttributes(attribute.String("stage", "design"))
	span.End()

	counter, err := tt.Meter("test").Int64Counter("agentflow.tasks")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	tt.AssertSpanExists(t, "pipeline.stage")
	tt.AssertSpanAttribute(t, "pipeline.stage", "stage", "design")

	rm, err := tt.Collect(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "agentflow.tasks", rm.ScopeMetrics[0].Metrics[0].Name)
}
