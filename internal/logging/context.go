package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	taskIDKey ctxKey = iota
	stageKey
	requestIDKey
	loggerKey
)

// correlation lists the string context values logged by ContextFields, in
// output order.
var correlation = []struct {
	key   ctxKey
	field string
}{
	{taskIDKey, "task.id"},
	{stageKey, "stage"},
	{requestIDKey, "request.id"},
}

// ContextFields returns the trace and correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	for _, c := range correlation {
		if v := stringValue(ctx, c.key); v != "" {
			fields = append(fields, zap.String(c.field, v))
		}
	}
	return fields
}

func stringValue(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

func TaskIDFromContext(ctx context.Context) string { return stringValue(ctx, taskIDKey) }

// WithStage records the pipeline stage being executed.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

func StageFromContext(ctx context.Context) string { return stringValue(ctx, stageKey) }

// WithRequestID records the HTTP request id set by the status API.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, requestIDKey) }

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return NewNop()
}
