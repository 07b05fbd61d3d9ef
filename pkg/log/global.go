package log

import (
	"context"
	"sync/atomic"
)

var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(loggerHolder{NewNop()})
}

type loggerHolder struct{ Logger }

// SetDefault replaces the process-wide logger returned by Default.
func SetDefault(l Logger) {
	if l == nil {
		l = NewNop()
	}
	defaultLogger.Store(loggerHolder{l})
}

// Default returns the process-wide logger. It never returns nil.
func Default() Logger {
	return defaultLogger.Load().(loggerHolder).Logger
}

// Component returns the default logger tagged with a component name.
func Component(name string) Logger {
	return Default().With(String(FieldComponent, name))
}

type nopLogger struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...Field)               {}
func (nopLogger) Info(string, ...Field)                {}
func (nopLogger) Warn(string, ...Field)                {}
func (nopLogger) Error(string, ...Field)               {}
func (nopLogger) Fatal(string, ...Field)               {}
func (n nopLogger) With(...Field) Logger               { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
