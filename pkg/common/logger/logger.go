// Package logger provides a context-aware structured logger built on log/slog.
// Every record carries the service name and, when a trace id function is
// configured, the trace id of the span stored in the context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

// Level represents the severity of a log record.
type Level slog.Level

// Supported log levels.
const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

// ParseLevel converts a textual level into a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Record is the information handed to event hooks.
type Record struct {
	Time       time.Time
	Message    string
	Level      Level
	Attributes map[string]any
}

// EventFn is invoked for records of the matching level.
type EventFn func(ctx context.Context, r Record)

// Events holds optional hooks executed after a record is written.
type Events struct {
	Debug EventFn
	Info  EventFn
	Warn  EventFn
	Error EventFn
}

// TraceIDFn extracts a trace id from the context.
type TraceIDFn func(ctx context.Context) string

// Logger writes structured records through a slog handler.
type Logger struct {
	discard   bool
	handler   slog.Handler
	traceIDFn TraceIDFn
	events    Events
}

// New constructs a JSON logger writing to w.
func New(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	return newLogger(w, minLevel, serviceName, traceIDFn, Events{}, nil)
}

// NewWithEvents constructs a logger that also fires the provided event hooks.
func NewWithEvents(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn, events Events) *Logger {
	return newLogger(w, minLevel, serviceName, traceIDFn, events, nil)
}

// NewWithMetadata constructs a logger with static metadata attached to every record.
func NewWithMetadata(
	w io.Writer,
	minLevel Level,
	serviceName string,
	traceIDFn TraceIDFn,
	events Events,
	metadata map[string]string,
) *Logger {
	return newLogger(w, minLevel, serviceName, traceIDFn, events, metadata)
}

// NewWithHandler wraps an existing slog handler.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{handler: h}
}

// Noop returns a logger that drops everything.
func Noop() *Logger {
	return &Logger{discard: true, handler: slog.NewJSONHandler(io.Discard, nil)}
}

// NewStdLogger adapts the logger to a *log.Logger for libraries that need one.
func NewStdLogger(l *Logger, level Level) *log.Logger {
	return slog.NewLogLogger(l.handler, slog.Level(level))
}

func newLogger(
	w io.Writer,
	minLevel Level,
	serviceName string,
	traceIDFn TraceIDFn,
	events Events,
	metadata map[string]string,
) *Logger {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			if source, ok := a.Value.Any().(*slog.Source); ok {
				v := fmt.Sprintf("%s:%d", filepath.Base(source.File), source.Line)
				return slog.Attr{Key: "file", Value: slog.StringValue(v)}
			}
		}
		return a
	}

	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.Level(minLevel),
		ReplaceAttr: replace,
	})

	attrs := []slog.Attr{{Key: "service", Value: slog.StringValue(serviceName)}}
	for k, v := range metadata {
		if k == "service" {
			continue
		}
		attrs = append(attrs, slog.String(k, v))
	}
	handler = handler.WithAttrs(attrs)

	return &Logger{handler: handler, traceIDFn: traceIDFn, events: events}
}

// With returns a logger that always includes the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	if l.discard {
		return l
	}
	return &Logger{
		handler:   l.handler.WithAttrs(argsToAttrs(args)),
		traceIDFn: l.traceIDFn,
		events:    l.events,
	}
}

// Enabled reports whether records at the level would be written.
func (l *Logger) Enabled(ctx context.Context, level Level) bool {
	if l.discard {
		return false
	}
	return l.handler.Enabled(ctx, slog.Level(level))
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelDebug, 3, msg, args...)
}

// Info logs at LevelInfo.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelInfo, 3, msg, args...)
}

// Warn logs at LevelWarn.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelWarn, 3, msg, args...)
}

// Error logs at LevelError.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.write(ctx, LevelError, 3, msg, args...)
}

func (l *Logger) write(ctx context.Context, level Level, caller int, msg string, args ...any) {
	if l.discard {
		return
	}
	slogLevel := slog.Level(level)
	if !l.handler.Enabled(ctx, slogLevel) {
		return
	}

	if l.traceIDFn != nil {
		args = append(args, "trace_id", l.traceIDFn(ctx))
	}

	var pcs [1]uintptr
	runtime.Callers(caller, pcs[:])

	r := slog.NewRecord(time.Now(), slogLevel, msg, pcs[0])
	r.Add(args...)
	_ = l.handler.Handle(ctx, r)

	l.fire(ctx, level, r)
}

func (l *Logger) fire(ctx context.Context, level Level, r slog.Record) {
	var fn EventFn
	switch level {
	case LevelDebug:
		fn = l.events.Debug
	case LevelInfo:
		fn = l.events.Info
	case LevelWarn:
		fn = l.events.Warn
	case LevelError:
		fn = l.events.Error
	}
	if fn == nil {
		return
	}

	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	fn(ctx, Record{Time: r.Time, Message: r.Message, Level: level, Attributes: attrs})
}

func argsToAttrs(args []any) []slog.Attr {
	var r slog.Record
	r.Add(args...)
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return attrs
}

// LoggerContext accumulates key/value pairs over the course of an operation
// so later records carry everything learned so far.
type LoggerContext struct {
	logger *Logger
	args   []any
}

// NewLoggerContext starts a context around the given logger.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add appends key/value pairs to the context.
func (lc *LoggerContext) Add(args ...any) { lc.args = append(lc.args, args...) }

// Logger returns a logger carrying all accumulated pairs.
func (lc *LoggerContext) Logger() *Logger { return lc.logger.With(lc.args...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, 3, msg, append(append([]any{}, lc.args...), args...)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, 3, msg, append(append([]any{}, lc.args...), args...)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, 3, msg, append(append([]any{}, lc.args...), args...)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, 3, msg, append(append([]any{}, lc.args...), args...)...)
}
