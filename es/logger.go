package es

import "context"

// Logger is the optional observability hook used by every engine component.
// A nil Logger disables logging with zero overhead; adapt any logging
// library by implementing these four methods (see es/logging for logrus).
type Logger interface {
	// Debug logs verbose operational details.
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs significant events during normal execution.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Warn logs degraded operation that did not fail the caller,
	// such as a cache tier being unreachable.
	Warn(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures surfaced to the caller.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Warn implements Logger.
func (NoOpLogger) Warn(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}
