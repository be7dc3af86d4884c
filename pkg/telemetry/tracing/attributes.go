package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys in the "tokengate.*" namespace.
const (
	AttrSubject   = "tokengate.subject"
	AttrProvider  = "tokengate.provider"
	AttrOwnerKind = "tokengate.owner.kind"
	AttrOwnerID   = "tokengate.owner.id"
	AttrTokens    = "tokengate.tokens"
	AttrTier      = "tokengate.tier"
	AttrStrategy  = "tokengate.bucket.strategy"
	AttrAllowed   = "tokengate.allowed"
	AttrReason    = "tokengate.reason"

	AttrSagaID     = "tokengate.saga.id"
	AttrSagaStatus = "tokengate.saga.status"

	AttrEventID   = "tokengate.outbox.event_id"
	AttrEventType = "tokengate.outbox.event_type"
	AttrBus       = "tokengate.outbox.bus"
	AttrBatchSize = "tokengate.outbox.batch_size"
)

// SetAdmissionAttributes tags a span with the admission request.
func SetAdmissionAttributes(span trace.Span, subject, provider string, tokens int64) {
	span.SetAttributes(
		attribute.String(AttrSubject, subject),
		attribute.String(AttrProvider, provider),
		attribute.Int64(AttrTokens, tokens),
	)
}

// SetDecisionAttributes tags a span with the admission outcome. The reason
// is omitted when empty.
func SetDecisionAttributes(span trace.Span, allowed bool, reason string) {
	span.SetAttributes(attribute.Bool(AttrAllowed, allowed))
	if reason != "" {
		span.SetAttributes(attribute.String(AttrReason, reason))
	}
}

// SetSagaAttributes tags a span with a purchase saga id and status.
func SetSagaAttributes(span trace.Span, sagaID, status string) {
	span.SetAttributes(
		attribute.String(AttrSagaID, sagaID),
		attribute.String(AttrSagaStatus, status),
	)
}

// AddEvent adds a named event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
