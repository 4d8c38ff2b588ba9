package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentflow/internal/config"
)

// Formats accepted by Config.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config describes how a Logger encodes and where it writes.
type Config struct {
	Level  zapcore.Level
	Format string

	// Stdout and OTEL select the sinks. At least one must be set.
	Stdout bool
	OTEL   bool

	AddCaller       bool
	CallerSkip      int
	StacktraceLevel zapcore.Level

	// Fields are attached to every entry.
	Fields map[string]string

	Sampling Sampling
	Redact   Redaction
}

// Sampling throttles chatty levels per Tick. A nil Rates map disables
// sampling. Error and above are never sampled.
type Sampling struct {
	Tick  time.Duration
	Rates map[zapcore.Level]Rate
}

// Rate keeps the First entries with the same message in a tick, then every
// Thereafter-th. Thereafter == 0 drops the rest.
type Rate struct {
	First      int
	Thereafter int
}

// Redaction masks values under Keys (case-insensitive) and string values
// matching any of Patterns. Empty Keys and Patterns disable it.
type Redaction struct {
	Keys     []string
	Patterns []string
}

const maxPatternLen = 200

// NewDefaultConfig returns the daemon's logging defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           zapcore.InfoLevel,
		Format:          FormatJSON,
		Stdout:          true,
		AddCaller:       true,
		CallerSkip:      2,
		StacktraceLevel: zapcore.ErrorLevel,
		Fields:          map[string]string{"service": "agentflow"},
		Sampling: Sampling{
			Tick: time.Second,
			Rates: map[zapcore.Level]Rate{
				// Per-stage bus traffic lands at trace and debug.
				TraceLevel:         {First: 1},
				zapcore.DebugLevel: {First: 10},
				zapcore.InfoLevel:  {First: 100, Thereafter: 10},
			},
		},
		Redact: Redaction{
			// Task inputs are opaque and logged with zap.Any.
			Keys: []string{"password", "secret", "token", "api_key", "authorization", "credential"},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
			},
		},
	}
}

// FromAppConfig applies the operator-facing logging section to the defaults.
func FromAppConfig(app config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if app.Level != "" {
		level, err := LevelFromString(app.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", app.Level, err)
		}
		cfg.Level = level
	}
	if app.Format != "" {
		cfg.Format = app.Format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	switch {
	case c.Format != FormatJSON && c.Format != FormatConsole:
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatConsole, c.Format)
	case !c.Stdout && !c.OTEL:
		return errors.New("no log sink enabled")
	case c.Sampling.Rates != nil && c.Sampling.Tick <= 0:
		return errors.New("sampling tick must be positive")
	case c.CallerSkip < 0:
		return fmt.Errorf("caller skip must be >= 0, got %d", c.CallerSkip)
	}
	for _, p := range c.Redact.Patterns {
		if len(p) > maxPatternLen {
			return fmt.Errorf("redaction pattern longer than %d chars", maxPatternLen)
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
