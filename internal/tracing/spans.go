package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrCorrelationID = "event_router.correlation_id"
	AttrCache         = "momento.cache.name"
	AttrTopic         = "messaging.destination.name"
	AttrEventType     = "event_router.event_type"
	AttrPlayerID      = "event_router.player_id"
	AttrOutcome       = "event_router.outcome"
	AttrEventBus      = "aws.eventbridge.bus_name"
	AttrEventID       = "aws.eventbridge.event_id"
	AttrAttempt       = "event_router.attempt"
	AttrErrorType     = "error.type"
)

// Span names.
const (
	SpanMessageReceive = "event_router.message.receive"
	SpanForward        = "event_router.forward"
	SpanPutEvents      = "eventbridge.put_events"
)

// StartSpan starts a new span with the given name and options.
// If tracer is nil, returns the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// CorrelationAttr tags a span with the per-message correlation ID.
func CorrelationAttr(id string) attribute.KeyValue { return attribute.String(AttrCorrelationID, id) }

// CacheAttr names the Momento cache the topic lives in.
func CacheAttr(name string) attribute.KeyValue { return attribute.String(AttrCache, name) }

// TopicAttr names the subscribed topic.
func TopicAttr(name string) attribute.KeyValue { return attribute.String(AttrTopic, name) }

// EventTypeAttr records the decoded eventType, which is also the detail type.
func EventTypeAttr(t string) attribute.KeyValue { return attribute.String(AttrEventType, t) }

// PlayerIDAttr records the decoded playerId.
func PlayerIDAttr(id string) attribute.KeyValue { return attribute.String(AttrPlayerID, id) }

// OutcomeAttr records how the message was handled (forwarded, decode_error, ...).
func OutcomeAttr(o string) attribute.KeyValue { return attribute.String(AttrOutcome, o) }

// EventBusAttr names the destination event bus.
func EventBusAttr(name string) attribute.KeyValue { return attribute.String(AttrEventBus, name) }

// EventIDAttr records the event ID assigned by the bus on success.
func EventIDAttr(id string) attribute.KeyValue { return attribute.String(AttrEventID, id) }

// AttemptAttr records the 1-based publish attempt that succeeded.
func AttemptAttr(n int) attribute.KeyValue { return attribute.Int(AttrAttempt, n) }

// ErrorTypeAttr records the short error code of a failed publish.
func ErrorTypeAttr(t string) attribute.KeyValue { return attribute.String(AttrErrorType, t) }
