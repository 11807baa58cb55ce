// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context and carries the
// active selection through context.Context.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"marketdash/internal/model"
)

type ctxKey string

const (
	selectionKey  ctxKey = "selection"
	generationKey ctxKey = "generation"
)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unknown or empty values yield info.
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

// WithSelection stores the active selection and its generation in the context.
func WithSelection(ctx context.Context, key model.SelectionKey, generation uint64) context.Context {
	ctx = context.WithValue(ctx, selectionKey, key)
	return context.WithValue(ctx, generationKey, generation)
}

// Selection extracts the selection from context. ok is false if not set.
func Selection(ctx context.Context) (model.SelectionKey, uint64, bool) {
	key, ok := ctx.Value(selectionKey).(model.SelectionKey)
	if !ok {
		return model.SelectionKey{}, 0, false
	}
	gen, _ := ctx.Value(generationKey).(uint64)
	return key, gen, true
}

// SelectionTag formats a selection generation as "{symbol}_{interval}#{gen}".
func SelectionTag(key model.SelectionKey, generation uint64) string {
	return fmt.Sprintf("%s#%d", key, generation)
}

// LogWithSelection returns slog attributes for the selection in context.
// Usage: slog.Info("msg", logger.LogWithSelection(ctx)...)
func LogWithSelection(ctx context.Context) []any {
	key, gen, ok := Selection(ctx)
	if !ok {
		return nil
	}
	return []any{
		slog.String("symbol", key.Symbol),
		slog.String("interval", key.Interval),
		slog.Uint64("generation", gen),
	}
}
