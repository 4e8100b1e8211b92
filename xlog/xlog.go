// Package xlog provides the engine's leveled, key/value structured
// logger. Calls take the form xlog.Error(msg, "key", val, ...), the same
// shape go-ethereum's own call sites use against its log package.
package xlog

import (
	"github.com/go-stack/stack"
	"go.uber.org/zap"
)

var base = newBase()

func newBase() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetLogger replaces the package-wide logger, letting a host plug in its
// own zap configuration (e.g. development mode, a different sink).
func SetLogger(l *zap.Logger) { base = l.Sugar() }

// Debug logs at debug level with structured key/value pairs.
func Debug(msg string, kv ...interface{}) { base.Debugw(msg, kv...) }

// Info logs at info level with structured key/value pairs.
func Info(msg string, kv ...interface{}) { base.Infow(msg, kv...) }

// Warn logs at warn level with structured key/value pairs.
func Warn(msg string, kv ...interface{}) { base.Warnw(msg, kv...) }

// Error logs at error level with structured key/value pairs.
func Error(msg string, kv ...interface{}) { base.Errorw(msg, kv...) }

// Crit logs at error level, captures the caller's stack, and then
// panics. Used for the world package's fatal, programming-error-class
// diagnostics (a component type index beyond the 128-slot registry, a
// DestroySystem query plan that fails to build) that can never be
// recovered from mid-tick.
func Crit(msg string, kv ...interface{}) {
	trace := stack.Trace().TrimRuntime()
	base.Errorw(msg, append(append([]interface{}{}, kv...), "stack", trace.String())...)
	panic(msg)
}

// Sync flushes any buffered log entries; callers should defer this at
// process shutdown.
func Sync() error { return base.Sync() }
