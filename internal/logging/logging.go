// Package logging provides structured logging for txguard.
//
// Loggers travel in the request context. The HTTP middleware stores one
// tagged with the request id; services add fields with With, and every
// call site logs through L(ctx).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// entry is what the context carries.
type entry struct {
	logger    *slog.Logger
	requestID string
}

// New creates a logger writing to stdout.
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter creates a logger writing to w. txguardctl logs to stderr since
// stdout carries its results. Card numbers are masked in every record.
func NewWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: maskCardNumbers,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
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

// CardNumberKey is the attribute key whose values are masked.
const CardNumberKey = "card_number"

func maskCardNumbers(_ []string, a slog.Attr) slog.Attr {
	if a.Key == CardNumberKey && a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(MaskCard(a.Value.String()))
	}
	return a
}

// MaskCard keeps the last four characters of a card number.
func MaskCard(card string) string {
	if len(card) <= 4 {
		return strings.Repeat("*", len(card))
	}
	return strings.Repeat("*", len(card)-4) + card[len(card)-4:]
}

func from(ctx context.Context) entry {
	if e, ok := ctx.Value(ctxKey{}).(entry); ok {
		return e
	}
	return entry{logger: slog.Default()}
}

// WithLogger stores logger in ctx, keeping any request id already there.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	e := from(ctx)
	e.logger = logger
	return context.WithValue(ctx, ctxKey{}, e)
}

// WithRequestID tags ctx with the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	e := from(ctx)
	e.requestID = requestID
	return context.WithValue(ctx, ctxKey{}, e)
}

// With adds fields to every line later logged through L(ctx).
func With(ctx context.Context, args ...any) context.Context {
	e := from(ctx)
	e.logger = e.logger.With(args...)
	return context.WithValue(ctx, ctxKey{}, e)
}

// RequestID returns the request id, or "".
func RequestID(ctx context.Context) string {
	return from(ctx).requestID
}

// FromContext returns the stored logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	return from(ctx).logger
}

// L returns the context logger with the request id attached.
func L(ctx context.Context) *slog.Logger {
	e := from(ctx)
	if e.requestID != "" {
		return e.logger.With("request_id", e.requestID)
	}
	return e.logger
}
