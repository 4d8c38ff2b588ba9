package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fyrsmithlabs/agentflow/internal/http"

// latencyBuckets cover a local API: sub-millisecond reads up to a few seconds.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// requestMetrics records per-route request counts, latency and concurrency.
// An instrument that failed to register is left nil and skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics registers the API instruments on meter. The returned
// value is usable even when err is non-nil.
func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	var (
		m    requestMetrics
		err  error
		errs []error
	)

	if m.requests, err = meter.Int64Counter("agentflow.http.requests_total",
		metric.WithDescription("API requests by method, route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		m.requests = nil
		errs = append(errs, err)
	}
	if m.latency, err = meter.Float64Histogram("agentflow.http.request_duration_seconds",
		metric.WithDescription("API request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		m.latency = nil
		errs = append(errs, err)
	}
	if m.inFlight, err = meter.Int64UpDownCounter("agentflow.http.active_requests",
		metric.WithDescription("API requests currently being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		m.inFlight = nil
		errs = append(errs, err)
	}

	return &m, errors.Join(errs...)
}

func (m *requestMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		begin := time.Now()
		if m.inFlight != nil {
			m.inFlight.Add(ctx, 1)
			defer m.inFlight.Add(ctx, -1)
		}

		err := next(c)

		set := metric.WithAttributes(
			attribute.String("method", c.Request().Method),
			attribute.String("route", routeLabel(c.Path())),
			attribute.Int("status", c.Response().Status),
		)
		if m.requests != nil {
			m.requests.Add(ctx, 1, set)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(begin).Seconds(), set)
		}
		return err
	}
}

// routeLabel maps an echo route pattern to a label value. Patterns keep
// parameters unexpanded, so task ids never reach the label set.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}
