// Package tracing provides OpenTelemetry distributed tracing setup and utilities.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StoreOperation represents the type of event store operation being traced.
type StoreOperation string

const (
	// StoreOperationAppend represents an append to a stream.
	StoreOperationAppend StoreOperation = "append"
	// StoreOperationQuery represents a time-range query.
	StoreOperationQuery StoreOperation = "query_range"
	// StoreOperationGet represents a lookup by id.
	StoreOperationGet StoreOperation = "get"
	// StoreOperationUpdate represents a whole-document update.
	StoreOperationUpdate StoreOperation = "update"
	// StoreOperationPing represents a connectivity check.
	StoreOperationPing StoreOperation = "ping"
)

// StartStoreSpan creates a client span for an event store call.
// system is the backend ("postgresql", "redis", "memory").
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartStoreSpan(ctx, "postgresql", "user_behavior", tracing.StoreOperationQuery)
//	defer func() { endSpan(err) }()
func StartStoreSpan(ctx context.Context, system, stream string, operation StoreOperation) (context.Context, func(error)) {
	tracer := otel.Tracer("insights/eventstore")

	spanName := string(operation)
	if stream != "" {
		spanName = spanName + " " + stream
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", string(operation)),
		),
	)

	if stream != "" {
		span.SetAttributes(attribute.String("insights.stream", stream))
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartSpan creates a new span for a general operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartSpan(ctx, "cohort.analyze")
//	defer endSpan(err)
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	tracer := otel.Tracer("insights")

	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
