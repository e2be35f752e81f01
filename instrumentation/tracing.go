package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RecordError records an error on the span and marks it failed
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as completed successfully
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddFlowAttributes attaches the identifiers common to OAuth flow spans.
// User IDs should be hashed by the caller before reaching here if the
// deployment treats them as PII.
func AddFlowAttributes(span trace.Span, clientID, scope string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("oauth.client_id", clientID),
		attribute.String("oauth.scope", scope),
	)
}

// AddStorageAttributes attaches storage operation attributes
func AddStorageAttributes(span trace.Span, operation, backend string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String("storage.operation", operation),
		attribute.String("storage.backend", backend),
	)
}
