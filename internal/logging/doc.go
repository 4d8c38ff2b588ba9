// Package logging is the daemon's zap wrapper.
//
// Every method takes a context and prepends the correlation fields found in
// it: the OpenTelemetry trace and span ids, plus the task id, stage and HTTP
// request id set with WithTaskID, WithStage and WithRequestID.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//		return err
//	}
//	ctx = logging.WithTaskID(ctx, t.ID)
//	logger.Info(ctx, "stage completed", zap.String("stage", name))
//
// Entries go to stdout through a RedactingEncoder and, when a
// LoggerProvider is given, to OpenTelemetry via the otelzap bridge.
// TraceLevel sits below Debug and is used for per-request bus traffic.
// Levels with a sampling Rate are throttled per tick; Error and above never
// are.
//
// Tests use NewTestLogger and its Assert helpers:
//
//	tl := logging.NewTestLogger()
//	b := bus.New(tl.Logger)
//	tl.AssertLogged(t, zapcore.ErrorLevel, "bus handler failed")
package logging
