package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austindbirch/parcelhook/internal/tracing"
)

const (
	serviceKey   = "service"
	traceIDKey   = "trace_id"
	requestIDKey = "request_id"
	eventIDKey   = "event_id"
	storageIDKey = "storage_id"
	queueKey     = "queue"
	taskKey      = "task"
)

type ctxKey struct{}

// ContextWithRequestID stores the request id so every entry built from ctx carries it
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the request id stored by ContextWithRequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *logrus.Logger
}

// New creates a JSON logger for the given service writing to stdout
func New(service string) *Logger {
	return NewWithOutput(service, os.Stdout)
}

// NewWithOutput creates a JSON logger writing to w
func NewWithOutput(service string, w io.Writer) *Logger {
	impl := logrus.New()
	impl.SetOutput(w)
	impl.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "time",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	impl.SetLevel(levelFromEnv())
	impl.AddHook(newStackTraceHook())
	return &Logger{service: service, base: impl}
}

func levelFromEnv() logrus.Level {
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		return lvl
	}
	return logrus.InfoLevel
}

// SetLevel changes the minimum level emitted
func (l *Logger) SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.base.SetLevel(lvl)
	}
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string { return l.service }

// WithContext creates a log entry carrying trace and request ids from ctx
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.entry = e.entry.WithField(traceIDKey, traceID)
	}
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		e.entry = e.entry.WithField(requestIDKey, reqID)
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{entry: l.base.WithField(serviceKey, l.service)}
}

// LogEntry is a fluent builder over a logrus entry
type LogEntry struct {
	entry *logrus.Entry
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	return e.WithField(traceIDKey, traceID)
}

// WithEvent sets the source event id (the idempotency key)
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	return e.WithField(eventIDKey, eventID)
}

// WithStorage sets the storage identifier
func (e *LogEntry) WithStorage(storageID int64) *LogEntry {
	return e.WithField(storageIDKey, storageID)
}

// WithQueue sets the destination queue name
func (e *LogEntry) WithQueue(queue string) *LogEntry {
	return e.WithField(queueKey, queue)
}

// WithTask sets the queue task name
func (e *LogEntry) WithTask(taskName string) *LogEntry {
	return e.WithField(taskKey, taskName)
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.entry = e.entry.WithField(key, value)
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	e.entry = e.entry.WithFields(logrus.Fields(fields))
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.entry = e.entry.WithError(err)
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.entry.Debug(message) }
func (e *LogEntry) Debugf(format string, args ...any) { e.entry.Debugf(format, args...) }
func (e *LogEntry) Info(message string) { e.entry.Info(message) }
func (e *LogEntry) Infof(format string, args ...any) { e.entry.Infof(format, args...) }
func (e *LogEntry) Warn(message string) { e.entry.Warn(message) }
func (e *LogEntry) Warnf(format string, args ...any) { e.entry.Warnf(format, args...) }
func (e *LogEntry) Error(message string) { e.entry.Error(message) }
func (e *LogEntry) Errorf(format string, args ...any) { e.entry.Errorf(format, args...) }
func (e *LogEntry) Fatal(message string) { e.entry.Fatal(message) }
func (e *LogEntry) Fatalf(format string, args ...any) { e.entry.Fatalf(format, args...) }

var defaultLogger = New("parcelhook")

// WithContext creates a log entry from ctx using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
