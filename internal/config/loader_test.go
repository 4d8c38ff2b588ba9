package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the agentflow config dir inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "agentflow")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	return configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9300
  shutdown_timeout: 3s
bus:
  request_timeout: 2s
scheduler:
  concurrency: 8
  max_queue_depth: 100
progress:
  interval: 250ms
  action_capacity: 20
observability:
  enable_telemetry: true
  service_name: agentflow-test
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, 100, cfg.Scheduler.MaxQueueDepth)
	assert.Equal(t, 250*time.Millisecond, cfg.Progress.Interval)
	assert.Equal(t, 20, cfg.Progress.ActionCapacity)
	assert.True(t, cfg.Observability.EnableTelemetry)
	assert.Equal(t, "agentflow-test", cfg.Observability.ServiceName)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  http_port: 9300
scheduler:
  concurrency: 2
`, 0600)

	t.Setenv("AGENTFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTFLOW_SCHEDULER_MAX_QUEUE_DEPTH", "12")
	t.Setenv("AGENTFLOW_NATS_TOKEN", "s3cret")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, 12, cfg.Scheduler.MaxQueueDepth)
	assert.Equal(t, "s3cret", cfg.NATS.Token.Value())
	assert.Equal(t, "[REDACTED]", cfg.NATS.Token.String())
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Progress.Interval)
	assert.Equal(t, 50, cfg.Progress.ActionCapacity)
	assert.Equal(t, "agentflow", cfg.NATS.SubjectPrefix)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".config", "agentflow", "history.db"), cfg.History.Path)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: [unterminated\n", 0600)

	_, err := LoadWithFile(path)
	assert.Error(t, err)
}

func TestLoadWithFile_Validation(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 99999\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid server port")
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	for _, path := range []string{"../../../../etc/passwd", "/tmp/config.yaml", "/etc/agentflow../passwd"} {
		t.Run(path, func(t *testing.T) {
			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "must be in ~/.config/agentflow/ or /etc/agentflow/")
		})
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 9300\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("# comment line\n"), 150000), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Scheduler.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "negative queue depth", mutate: func(c *Config) { c.Scheduler.MaxQueueDepth = -1 }, wantErr: "max_queue_depth"},
		{name: "negative dispatch rate", mutate: func(c *Config) { c.Scheduler.DispatchRate = -1 }, wantErr: "dispatch_rate"},
		{name: "zero request timeout", mutate: func(c *Config) { c.Bus.RequestTimeout = 0 }, wantErr: "request timeout"},
		{name: "zero progress interval", mutate: func(c *Config) { c.Progress.Interval = 0 }, wantErr: "progress interval"},
		{name: "nats without url", mutate: func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, wantErr: "nats url"},
		{name: "history without path", mutate: func(c *Config) { c.History.Enabled = true; c.History.Path = "" }, wantErr: "history path"},
		{name: "telemetry without service", mutate: func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.ServiceName = ""
		}, wantErr: "service name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.True(t, s.IsSet())

	out, err := json.Marshal(NATSConfig{Token: s})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"Token":"[REDACTED]"`)
	assert.NotContains(t, string(out), "hunter2")

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("AGENTFLOW_SERVER_HTTP_PORT"))
	assert.Equal(t, "nats.token", envKey("AGENTFLOW_NATS_TOKEN"))
	assert.Equal(t, "debug", envKey("AGENTFLOW_DEBUG"))
}
