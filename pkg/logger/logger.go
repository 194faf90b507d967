// Package logger is tiermem's structured logger: log/slog underneath, one
// "component" attribute per subsystem, trace and span ids on every
// context-aware call, and a level that a config reload can change in place.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Level is a slog level.
type Level = slog.Level

const (
	DebugLevel = slog.LevelDebug
	InfoLevel  = slog.LevelInfo
	WarnLevel  = slog.LevelWarn
	ErrorLevel = slog.LevelError
)

// ParseLevel maps a configured level name to a Level. "warning" is accepted
// for warn; anything unknown is info.
func ParseLevel(s string) Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return WarnLevel
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return InfoLevel
	}
	return l
}

// Config selects level, format ("json" or "text") and output ("stdout",
// "stderr" or a file path).
type Config struct {
	Level  Level
	Format string
	Output string
}

// Logger is what every tiermem component logs through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the log file, if any. Derived loggers never own it.
	Close() error
}

type slogLogger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New builds a Logger from cfg. A nil cfg logs JSON at info to stdout. An
// output file that cannot be opened falls back to stderr.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json", Output: "stdout"}
	}
	level := &slog.LevelVar{}
	level.Set(cfg.Level)

	w, closer := openOutput(cfg.Output)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &slogLogger{Logger: slog.New(traceHandler{h}), level: level, closer: closer}
}

func openOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, nil
	}
	return f, f
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{Logger: l.Logger.With(args...), level: l.level}
}

func (l *slogLogger) SetLevel(level Level) { l.level.Set(level) }

func (l *slogLogger) GetLevel() Level { return l.level.Level() }

func (l *slogLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// traceHandler stamps records logged with a span in context with its ids.
type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

var global atomic.Pointer[Logger]

func init() {
	l := New(&Config{Level: InfoLevel, Format: "text", Output: "stderr"})
	global.Store(&l)
}

// Global returns the process-wide logger.
func Global() Logger { return *global.Load() }

// SetGlobal replaces the process-wide logger and routes slog's default
// logger through it. A nil l is ignored.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	global.Store(&l)
	if sl, ok := l.(*slogLogger); ok {
		slog.SetDefault(sl.Logger)
	}
}

// Named scopes l to a component. A nil l scopes the global logger.
func Named(l Logger, component string) Logger {
	if l == nil {
		l = Global()
	}
	return l.With("component", component)
}

// Nop discards everything.
func Nop() Logger {
	return &slogLogger{Logger: slog.New(slog.DiscardHandler), level: &slog.LevelVar{}}
}
