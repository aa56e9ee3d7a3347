package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"campfire/engine/internal/config"
)

// TraceIDHeader is the canonical HTTP header for propagating trace IDs between services.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured logging key carrying trace identifiers.
const TraceIDField = "trace_id"

type contextKey string

var (
	loggerContextKey = contextKey("engine-logger")
	traceContextKey  = contextKey("engine-trace-id")

	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[Level]string{
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a textual level onto Level, defaulting to info for blanks.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field; ticks and action ids use it.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration records the duration in milliseconds under key_ms.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key + "_ms", Value: float64(value) / float64(time.Millisecond)}
}

// Any wraps an arbitrary JSON-encodable value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Error returns the canonical error field.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// syncWriter is a writer that can be flushed to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var firstErr error
	for _, w := range t {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger emits one JSON object per line with inherited structured fields.
type Logger struct {
	mu     *sync.Mutex
	level  Level
	writer syncWriter
	fields map[string]any
}

// New builds the process logger: a rotating file mirrored to stdout.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	writers := teeWriter{}
	if strings.TrimSpace(cfg.Path) != "" {
		file, err := newRotatingWriter(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}
	if os.Stdout != nil {
		writers = append(writers, os.Stdout)
	}
	if len(writers) == 0 {
		return nil, errors.New("no log outputs configured")
	}
	logger := &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		writer: writers,
		fields: map[string]any{"service": "engine"},
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWriterLogger writes to w at the supplied level; tests use it to inspect output.
func NewWriterLogger(w io.Writer, level Level) *Logger {
	return &Logger{mu: &sync.Mutex{}, level: level, writer: nopSync{w}, fields: map[string]any{}}
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{mu: &sync.Mutex{}, level: DebugLevel, writer: nopSync{io.Discard}, fields: map[string]any{}}
}

// ReplaceGlobals swaps the fallback logger used when no context logger is present.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With derives a child logger carrying additional fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	clone := &Logger{
		mu:     l.mu,
		level:  l.level,
		writer: l.writer,
		fields: make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		clone.fields[k] = v
	}
	for _, field := range fields {
		clone.fields[field.Key] = field.Value
	}
	return clone
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return level >= l.level
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }
func (l *Logger) Info(message string, fields ...Field)  { l.log(InfoLevel, message, fields) }
func (l *Logger) Warn(message string, fields ...Field)  { l.log(WarnLevel, message, fields) }
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal logs and terminates the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	entry := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = message
	for _, field := range fields {
		entry[field.Key] = field.Value
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(line, '\n'))
	if level == FatalLevel {
		_ = l.writer.Sync()
		os.Exit(1)
	}
}

// ContextWithLogger stores a logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext retrieves the context logger or falls back to the global one.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}

// TraceIDFromContext extracts a trace identifier from ctx.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceContextKey).(string)
	return traceID
}

// GenerateTraceID creates a random 16-byte identifier rendered as hex.
func GenerateTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%x", time.Now().UnixNano())
}

// WithTrace attaches a trace id and a derived logger to ctx.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	tid := strings.TrimSpace(traceID)
	if tid == "" {
		tid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, tid))
	ctx = context.WithValue(ctx, traceContextKey, tid)
	ctx = ContextWithLogger(ctx, derived)
	return ctx, derived, tid
}

// HTTPTraceMiddleware gives every request a trace id propagated through context and headers.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, traceID := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, traceID)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type nopSync struct{ io.Writer }

func (nopSync) Sync() error { return nil }
