package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the SDK tracer and meter providers and installs them as
// the otel globals.
//
// A provider that cannot be built leaves Telemetry degraded rather than
// failing New: Err reports the cause and Tracer/Meter fall back to the
// global providers.
type Telemetry struct {
	config *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	err    error
	closed atomic.Bool
}

// New validates cfg and, when enabled, builds the OTLP pipelines.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	var errs []error

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.err = errors.Join(errs...)
	return t, nil
}

func (t *Telemetry) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Err returns why a provider could not be built, or nil.
func (t *Telemetry) Err() error {
	if t == nil {
		return nil
	}
	return t.err
}

// IsEnabled reports whether telemetry was enabled and has not been shut down.
func (t *Telemetry) IsEnabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && !t.closed.Load()
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies. Calls after the first return nil.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		bounded, cancel := context.WithTimeout(ctx, t.config.Shutdown.Timeout.Duration())
		defer cancel()
		ctx = bounded
	}

	var errs []error
	for name, stop := range t.stoppers() {
		if err := stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s provider: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// stoppers returns the Shutdown funcs of the providers that were built.
func (t *Telemetry) stoppers() map[string]func(context.Context) error {
	out := make(map[string]func(context.Context) error, 2)
	if t.tracerProvider != nil {
		out["tracer"] = t.tracerProvider.Shutdown
	}
	if t.meterProvider != nil {
		out["meter"] = t.meterProvider.Shutdown
	}
	return out
}
