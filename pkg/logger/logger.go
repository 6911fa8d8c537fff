// Package logger provides structured logging for the oniontrace driver.
// It wraps Go's standard log/slog package, adding the four severities the
// driver's control surface promises (message, warning, critical, and an
// info variant of message) plus component/identity scoping.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger to provide application-specific logging functionality
type Logger struct {
	*slog.Logger
}

// contextKey is the type for context keys used by this package
type contextKey string

const loggerKey contextKey = "logger"

// New creates a new Logger with the specified level and output writer
func New(level slog.Level, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewTextHandler(w, opts)
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewDefault creates a logger with default settings (Info level, stdout)
func NewDefault() *Logger {
	return New(slog.LevelInfo, os.Stdout)
}

// NewTinted creates a colorized logger suitable for an interactive terminal.
// Unlike New, the handler carries ANSI color; callers should fall back to
// New when the destination writer isn't a TTY (e.g. redirected to a file).
func NewTinted(level slog.Level, w io.Writer) *Logger {
	handler := tint.NewHandler(w, &tint.Options{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel parses a string log level into slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or returns a default logger
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return NewDefault()
}

// With returns a new Logger with additional attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// WithGroup returns a new Logger with a group name
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithGroup(name),
	}
}

// Component returns a new Logger with a "component" attribute
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Driver returns a new Logger tagged with the driver's stable identity string.
func (l *Logger) Driver(id string) *Logger {
	return l.With("driver_id", id)
}

// Circuit returns a new Logger with circuit information
func (l *Logger) Circuit(id uint32) *Logger {
	return l.With("circuit_id", id)
}

// Message logs at info level, the control surface's ordinary status severity.
func (l *Logger) Message(msg string, args ...any) {
	l.Info(msg, args...)
}

// Warning logs at warn level.
func (l *Logger) Warning(msg string, args ...any) {
	l.Warn(msg, args...)
}

// Critical logs at error level, reserved for fatal construction failures
// that force the driver back to Idle.
func (l *Logger) Critical(msg string, args ...any) {
	l.Error(msg, args...)
}
