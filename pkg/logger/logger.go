// Package logger provides a process-wide structured logging facade backed by zap.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// unstructuredLogsEnvVar switches the default JSON encoder for a human-readable
// console encoder, useful when running locally outside of a log pipeline.
const unstructuredLogsEnvVar = "GAFAELFAWR_UNSTRUCTURED_LOGS"

var singleton atomic.Value

func init() {
	singleton.Store(newDefaultLogger())
}

func newDefaultLogger() *zap.SugaredLogger {
	var cfg zap.Config
	if unstructuredLogsWithEnv(os.Getenv) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-frills logger rather than panic during package init.
		l = zap.NewNop()
	}
	return l.Sugar()
}

func unstructuredLogsWithEnv(getenv func(string) string) bool {
	v := getenv(unstructuredLogsEnvVar)
	return v != "" && v != "false" && v != "0"
}

func get() *zap.SugaredLogger {
	return singleton.Load().(*zap.SugaredLogger)
}

// setSingletonForTest swaps the singleton and returns a restore function.
func setSingletonForTest(l *zap.SugaredLogger) func() {
	prev := get()
	singleton.Store(l)
	return func() { singleton.Store(prev) }
}

// With returns a logger with the given structured key/value pairs attached,
// suitable for stashing in a request context.
func With(args ...interface{}) *zap.SugaredLogger {
	return get().With(args...)
}

// Debug logs at debug level.
func Debug(args ...interface{}) { get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...interface{}) { get().Debugf(format, args...) }

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, keysAndValues ...interface{}) { get().Debugw(msg, keysAndValues...) }

// Info logs at info level.
func Info(args ...interface{}) { get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...interface{}) { get().Infof(format, args...) }

// Infow logs a message with structured key/value pairs at info level.
func Infow(msg string, keysAndValues ...interface{}) { get().Infow(msg, keysAndValues...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...interface{}) { get().Warnf(format, args...) }

// Warnw logs a message with structured key/value pairs at warn level.
func Warnw(msg string, keysAndValues ...interface{}) { get().Warnw(msg, keysAndValues...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...interface{}) { get().Errorf(format, args...) }

// Errorw logs a message with structured key/value pairs at error level.
func Errorw(msg string, keysAndValues ...interface{}) { get().Errorw(msg, keysAndValues...) }

// Panicf logs a formatted message at panic level then panics.
func Panicf(format string, args ...interface{}) { get().Panicf(format, args...) }

// Sync flushes any buffered log entries.
func Sync() error { return get().Sync() }
