package logger

import (
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with workflow-scoped helper methods.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stdout. Format "json" selects the
// structured handler; anything else gets colored console output.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w. Used by tests to capture
// output.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything. Handy default when a
// caller passes no logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

// WithRunID scopes the logger to a single workflow run.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{Logger: l.With("run_id", runID)}
}

// WithGraph scopes the logger to a graph by name.
func (l *Logger) WithGraph(name string) *Logger {
	return &Logger{Logger: l.With("graph", name)}
}

// WithNodeID scopes the logger to a single node execution.
func (l *Logger) WithNodeID(nodeID string) *Logger {
	return &Logger{Logger: l.With("node_id", nodeID)}
}

// Error logs an error with a stack trace attached.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
