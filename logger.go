package voxgo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with voxgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithModel adds a model name field to the logger.
func (l *Logger) WithModel(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("model", name),
	}
}

// LogImport logs a model import.
func (l *Logger) LogImport(ctx context.Context, name string, frames, voxels int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "import failed",
			"model", name,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "import completed",
		"model", name,
		"frames", frames,
		"voxels", voxels,
		"duration", d,
	)
}

// LogFlush logs a flush of dirty ranges.
func (l *Logger) LogFlush(ctx context.Context, ranges int, bytes uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "flush failed",
			"ranges", ranges,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "flush submitted",
		"ranges", ranges,
		"bytes", bytes,
	)
}
