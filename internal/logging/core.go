package logging

import (
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const otelScope = "github.com/fyrsmithlabs/agentflow"

// buildCore tees the enabled sinks and applies sampling on top.
// The OTEL sink is skipped when provider is nil.
func buildCore(cfg *Config, provider log.LoggerProvider) (zapcore.Core, error) {
	var sinks []zapcore.Core

	if cfg.Stdout {
		enc, err := NewRedactingEncoder(encoderFor(cfg.Format), cfg.Redact)
		if err != nil {
			return nil, fmt.Errorf("stdout encoder: %w", err)
		}
		sinks = append(sinks, zapcore.NewCore(enc, zapcore.Lock(os.Stdout), cfg.Level))
	}
	if cfg.OTEL && provider != nil {
		sinks = append(sinks, otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(provider)))
	}
	if len(sinks) == 0 {
		return nil, errors.New("no log sink available")
	}

	return sample(zapcore.NewTee(sinks...), cfg.Sampling), nil
}

func encoderFor(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == FormatConsole {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sample routes each level with a Rate through its own sampler. Unlisted
// levels, and anything at Error or above, bypass sampling.
func sample(core zapcore.Core, s Sampling) zapcore.Core {
	if s.Rates == nil {
		return core
	}

	unsampled := func(l zapcore.Level) bool {
		if l >= zapcore.ErrorLevel {
			return true
		}
		_, ok := s.Rates[l]
		return !ok
	}
	tee := []zapcore.Core{&onlyLevels{Core: core, accept: unsampled}}

	for level, rate := range s.Rates {
		if level >= zapcore.ErrorLevel {
			continue
		}
		lvl := level
		only := &onlyLevels{Core: core, accept: func(l zapcore.Level) bool { return l == lvl }}
		tee = append(tee, zapcore.NewSamplerWithOptions(only, s.Tick, rate.First, rate.Thereafter))
	}
	return zapcore.NewTee(tee...)
}

// onlyLevels restricts a core to the levels accept allows.
type onlyLevels struct {
	zapcore.Core
	accept func(zapcore.Level) bool
}

func (c *onlyLevels) Enabled(l zapcore.Level) bool {
	return c.accept(l) && c.Core.Enabled(l)
}

func (c *onlyLevels) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return c.Core.Check(e, ce)
	}
	return ce
}

func (c *onlyLevels) With(fields []zapcore.Field) zapcore.Core {
	return &onlyLevels{Core: c.Core.With(fields), accept: c.accept}
}
