package relay

import (
	"context"
	"strings"

	"github.com/MeridioStudio/lib-relay/relay/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingContextKey string

// TrackingKey is the context key used to store TrackingValue.
var TrackingKey = trackingContextKey("relay_tracking")

// TrackingValue holds the request-scoped facilities attached to context.
type TrackingValue struct {
	CorrelationID string
	Tracer        trace.Tracer
	Logger        log.Logger
}

// LoggerFromContext extracts the Logger stored in ctx, falling back to a
// no-op logger when absent.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if tracking, ok := ctx.Value(TrackingKey).(*TrackingValue); ok && tracking.Logger != nil {
		return tracking.Logger
	}

	return log.NewNop()
}

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values, _ := ctx.Value(TrackingKey).(*TrackingValue)
	if values == nil {
		values = &TrackingValue{}
	}

	values.Logger = logger

	return context.WithValue(ctx, TrackingKey, values)
}

// ContextWithTracer returns a context carrying the given trace.Tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values, _ := ctx.Value(TrackingKey).(*TrackingValue)
	if values == nil {
		values = &TrackingValue{}
	}

	values.Tracer = tracer

	return context.WithValue(ctx, TrackingKey, values)
}

// ContextWithCorrelationID returns a context carrying the given correlation id.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	values, _ := ctx.Value(TrackingKey).(*TrackingValue)
	if values == nil {
		values = &TrackingValue{}
	}

	values.CorrelationID = correlationID

	return context.WithValue(ctx, TrackingKey, values)
}

// NewTrackingFromContext extracts the logger, tracer, and correlation id
// from ctx. Missing components are replaced with functional defaults so
// callers never need nil checks: a nop logger, the global tracer, and a
// freshly generated correlation id.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	tracking, ok := ctx.Value(TrackingKey).(*TrackingValue)
	if !ok || tracking == nil {
		return log.NewNop(), otel.Tracer("relay.default"), uuid.New().String()
	}

	return resolveLogger(tracking.Logger), resolveTracer(tracking.Tracer), resolveCorrelationID(tracking.CorrelationID)
}

//nolint:ireturn
func resolveLogger(logger log.Logger) log.Logger {
	if logger != nil {
		return logger
	}

	return log.NewNop()
}

//nolint:ireturn
func resolveTracer(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}

	return otel.Tracer("relay.default")
}

func resolveCorrelationID(correlationID string) string {
	if trimmed := strings.TrimSpace(correlationID); trimmed != "" {
		return trimmed
	}

	return uuid.New().String()
}
