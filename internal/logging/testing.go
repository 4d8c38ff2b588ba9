package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that records every entry, down to TraceLevel, for
// assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// matching returns entries at level whose message contains substr.
func (t *TestLogger) matching(level zapcore.Level, substr string) []observer.LoggedEntry {
	return t.observed.Filter(func(e observer.LoggedEntry) bool {
		return e.Level == level && strings.Contains(e.Message, substr)
	}).All()
}

// Count returns the number of entries at level whose message contains substr.
func (t *TestLogger) Count(level zapcore.Level, substr string) int {
	return len(t.matching(level, substr))
}

// Reset drops everything recorded so far.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if t.Count(level, substr) == 0 {
		tb.Errorf("no %v entry containing %q; recorded: %+v", level, substr, t.observed.All())
	}
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if n := t.Count(level, substr); n > 0 {
		tb.Errorf("%d unexpected %v entries containing %q", n, level, substr)
	}
}

// AssertField checks that some entry whose message contains substr carries
// key with the expected value, as decoded by observer.LoggedEntry.ContextMap.
func (t *TestLogger) AssertField(tb testing.TB, substr, key string, expected any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessageSnippet(substr).All() {
		if v, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("no entry containing %q has %s=%v", substr, key, expected)
}
