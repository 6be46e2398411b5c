package logger

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// L is the process logger. It discards everything until Init is called.
	L = zap.NewNop()

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init builds the JSON production logger at the given level. An empty or
// unknown level falls back to info.
func Init(lvl string) error {
	level.SetLevel(parseLevel(lvl))

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.Fields(zap.String("app", "mktdata-gateway")))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	L = l
	return nil
}

// SetLevel changes the level of L and of every logger derived from it
func SetLevel(lvl string) error {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(lvl)))
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

// Level returns the current level
func Level() zapcore.Level {
	return level.Level()
}

func parseLevel(lvl string) zapcore.Level {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(lvl)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

// Sync flushes buffered entries
func Sync() {
	_ = L.Sync()
}

// Component returns a child logger tagged with a component name
func Component(name string) *zap.Logger {
	return L.With(zap.String("component", name))
}

// WithTrace appends trace_id and span_id of the span in ctx, if any
func WithTrace(ctx context.Context, fields ...zap.Field) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	return append(fields,
		zap.Stringer("trace_id", sc.TraceID()),
		zap.Stringer("span_id", sc.SpanID()),
	)
}

func InfoWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Info(msg, WithTrace(ctx, fields...)...)
}

func ErrorWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Error(msg, WithTrace(ctx, fields...)...)
}

func WarnWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Warn(msg, WithTrace(ctx, fields...)...)
}

func DebugWithTrace(ctx context.Context, msg string, fields ...zap.Field) {
	L.Debug(msg, WithTrace(ctx, fields...)...)
}
