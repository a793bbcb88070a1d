// Package logging provides the structured logger shared by engine components.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with engine-specific helpers.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON lines to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewTextLogger creates a Logger that writes human-readable text to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// Noop creates a Logger that discards all output.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return Noop()
	}
	return l
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns a Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithTable adds a table field.
func (l *Logger) WithTable(name string) *Logger {
	return l.With("table", name)
}

// WithSegment adds a segment field.
func (l *Logger) WithSegment(id int64) *Logger {
	return l.With("segment", id)
}

// LogFlush logs a buffer flush.
func (l *Logger) LogFlush(ctx context.Context, table string, segmentID int64, rows int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest: flush failed",
			"table", table,
			"segment", segmentID,
			"rows", rows,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "ingest: flushed",
		"table", table,
		"segment", segmentID,
		"rows", rows,
	)
}

// LogBuild logs the outcome of one index build.
func (l *Logger) LogBuild(ctx context.Context, segmentID int64, indexType string, attempts int, err error) {
	if err != nil {
		l.WarnContext(ctx, "indexer: build failed",
			"segment", segmentID,
			"index_type", indexType,
			"attempts", attempts,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "indexer: segment indexed",
		"segment", segmentID,
		"index_type", indexType,
	)
}

// LogSearch logs a search request.
func (l *Logger) LogSearch(ctx context.Context, table string, queries, k, segments int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query: search failed",
			"table", table,
			"queries", queries,
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "query: search completed",
		"table", table,
		"queries", queries,
		"k", k,
		"segments", segments,
	)
}
