package stdout

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/songzhibin97/conduit/pkg/log"
)

// StdoutLogger implements the log.Logger interface using zap for JSON output.
// Despite the name it can also write to a rotating file, see Config.Output.
type StdoutLogger struct {
	zapLogger *zap.Logger
	config    *Config
	fields    []log.Field
	mu        sync.RWMutex
}

// Config represents the configuration options for StdoutLogger.
type Config struct {
	// Level sets the minimum logging level
	Level log.Level `json:"level"`

	// TimeFormat specifies the time format for timestamps
	// Default: RFC3339
	TimeFormat string `json:"time_format,omitempty"`

	// EnableCaller adds caller information to log entries
	EnableCaller bool `json:"enable_caller"`

	// EnableStacktrace adds stack trace for error and fatal levels
	EnableStacktrace bool `json:"enable_stacktrace"`

	// Development enables development mode with more human-readable output
	Development bool `json:"development"`

	// Output is one of "stdout", "stderr" or "file".
	Output string `json:"output"`

	// File configures rotation when Output is "file".
	File FileConfig `json:"file"`

	// Writer overrides Output when set.
	Writer io.Writer `json:"-"`
}

// FileConfig mirrors the lumberjack rotation settings.
type FileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// DefaultConfig returns a default configuration for StdoutLogger.
func DefaultConfig() *Config {
	return &Config{
		Level:            log.InfoLevel,
		TimeFormat:       time.RFC3339,
		EnableCaller:     false,
		EnableStacktrace: true,
		Development:      false,
		Output:           "stdout",
		File: FileConfig{
			Path:       "logs/conduit.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// New creates a new StdoutLogger with the given configuration.
func New(config *Config) (*StdoutLogger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     getTimeEncoder(config.TimeFormat),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(outputFor(config)),
		convertLogLevel(config.Level),
	)

	var options []zap.Option
	if config.EnableCaller {
		options = append(options, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	if config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	return &StdoutLogger{
		zapLogger: zap.New(core, options...),
		config:    config,
		fields:    make([]log.Field, 0),
	}, nil
}

func outputFor(config *Config) io.Writer {
	if config.Writer != nil {
		return config.Writer
	}
	switch config.Output {
	case "stderr":
		return os.Stderr
	case "file":
		return &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
	default:
		return os.Stdout
	}
}

// Debug logs a debug message with optional structured fields.
func (l *StdoutLogger) Debug(msg string, fields ...log.Field) {
	l.log(log.DebugLevel, msg, fields...)
}

// Info logs an informational message with optional structured fields.
func (l *StdoutLogger) Info(msg string, fields ...log.Field) {
	l.log(log.InfoLevel, msg, fields...)
}

// Warn logs a warning message with optional structured fields.
func (l *StdoutLogger) Warn(msg string, fields ...log.Field) {
	l.log(log.WarnLevel, msg, fields...)
}

// Error logs an error message with optional structured fields.
func (l *StdoutLogger) Error(msg string, fields ...log.Field) {
	l.log(log.ErrorLevel, msg, fields...)
}

// Fatal logs a fatal message with optional structured fields and exits the program.
func (l *StdoutLogger) Fatal(msg string, fields ...log.Field) {
	l.log(log.FatalLevel, msg, fields...)
	os.Exit(1)
}

// With creates a new logger instance with additional structured fields.
func (l *StdoutLogger) With(fields ...log.Field) log.Logger {
	l.mu.RLock()
	newFields := make([]log.Field, 0, len(l.fields)+len(fields))
	newFields = append(newFields, l.fields...)
	l.mu.RUnlock()

	return &StdoutLogger{
		zapLogger: l.zapLogger,
		config:    l.config,
		fields:    append(newFields, fields...),
	}
}

// WithContext creates a new logger instance with the request id and the
// active trace id found in ctx.
func (l *StdoutLogger) WithContext(ctx context.Context) log.Logger {
	if ctx == nil {
		return l
	}

	var contextFields []log.Field
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		contextFields = append(contextFields, log.String(log.FieldTraceID, sc.TraceID().String()))
	}
	if requestID := log.RequestIDFromContext(ctx); requestID != "" {
		contextFields = append(contextFields, log.String(log.FieldRequestID, requestID))
	}

	if len(contextFields) == 0 {
		return l
	}
	return l.With(contextFields...)
}

// Sync flushes buffered entries.
func (l *StdoutLogger) Sync() error {
	return l.zapLogger.Sync()
}

func (l *StdoutLogger) log(level log.Level, msg string, fields ...log.Field) {
	if level < l.config.Level {
		return
	}

	l.mu.RLock()
	allFields := make([]log.Field, 0, len(l.fields)+len(fields))
	allFields = append(allFields, l.fields...)
	allFields = append(allFields, fields...)
	l.mu.RUnlock()

	zapFields := convertToZapFields(allFields)

	switch level {
	case log.DebugLevel:
		l.zapLogger.Debug(msg, zapFields...)
	case log.InfoLevel:
		l.zapLogger.Info(msg, zapFields...)
	case log.WarnLevel:
		l.zapLogger.Warn(msg, zapFields...)
	case log.ErrorLevel:
		l.zapLogger.Error(msg, zapFields...)
	case log.FatalLevel:
		// Fatal exits after this returns.
		l.zapLogger.Error(msg, zapFields...)
		_ = l.zapLogger.Sync()
	}
}

// convertLogLevel converts our log.Level to zap's zapcore.Level.
func convertLogLevel(level log.Level) zapcore.Level {
	switch level {
	case log.DebugLevel:
		return zapcore.DebugLevel
	case log.InfoLevel:
		return zapcore.InfoLevel
	case log.WarnLevel:
		return zapcore.WarnLevel
	case log.ErrorLevel:
		return zapcore.ErrorLevel
	case log.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func convertToZapFields(fields []log.Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = convertToZapField(field)
	}
	return zapFields
}

func convertToZapField(field log.Field) zap.Field {
	switch v := field.Value.(type) {
	case string:
		return zap.String(field.Key, v)
	case int:
		return zap.Int(field.Key, v)
	case int64:
		return zap.Int64(field.Key, v)
	case float64:
		return zap.Float64(field.Key, v)
	case bool:
		return zap.Bool(field.Key, v)
	case time.Time:
		return zap.Time(field.Key, v)
	case time.Duration:
		return zap.Duration(field.Key, v)
	case error:
		return zap.NamedError(field.Key, v)
	default:
		return zap.Any(field.Key, v)
	}
}

func getTimeEncoder(format string) zapcore.TimeEncoder {
	switch format {
	case "", time.RFC3339:
		return zapcore.RFC3339TimeEncoder
	case time.RFC3339Nano:
		return zapcore.RFC3339NanoTimeEncoder
	default:
		return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format(format))
		}
	}
}
