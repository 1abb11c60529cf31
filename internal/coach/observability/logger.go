// Package observability configures structured logging and ties log lines
// to the request trace.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fitcoach/coach/common/trace"
)

// ParseLevel maps "debug", "warn" and "error" to their slog levels; anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewLogger builds a logger writing to w in "json" or text format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup installs a stdout logger as the slog default and returns it.
func Setup(level, format string) *slog.Logger {
	l := NewLogger(os.Stdout, level, format)
	slog.SetDefault(l)
	return l
}

// WithTrace returns base (or the default logger when nil) with the trace_id
// of ctx attached, if any.
func WithTrace(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := trace.FromContext(ctx); id != "" {
		return base.With("trace_id", id)
	}
	return base
}
