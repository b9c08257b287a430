// Package logging provides the structured logger for the mindbook binary,
// built on [log/slog]. It is configured once at startup via [New] and flows
// through the call tree as a context value via [WithLogger] / [FromContext],
// so request handlers, job workers, and the ingestion pipeline all log with
// the attributes their caller attached.
//
// Environment variables (the MINDBOOK_* form wins when both are set):
//
//	MINDBOOK_LOG_LEVEL  or LOG_LEVEL  = debug | info | warn | error  (default: info)
//	MINDBOOK_LOG_FORMAT or LOG_FORMAT = json | text                  (default: json)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// contextKey is an unexported type for context keys in this package.
type contextKey struct{}

// New constructs a [*slog.Logger] from environment variables. The json
// handler is the default so `mindbook serve` emits machine-parseable lines;
// text is friendlier for local CLI use.
func New() *slog.Logger {
	level := parseLevel(envOr("MINDBOOK_LOG_LEVEL", "LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(envOr("MINDBOOK_LOG_FORMAT", "LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the [*slog.Logger] stored in ctx.
// If no logger is present it returns [slog.Default] so callers never
// need to nil-check.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// envOr returns the first non-empty value among the named variables.
func envOr(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// parseLevel converts a string to a [slog.Level], defaulting to Info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
