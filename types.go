package kiroku

import (
	"github.com/ashita-ai/kiroku/internal/backgrounding"
	"github.com/ashita-ai/kiroku/internal/delivery"
	"github.com/ashita-ai/kiroku/internal/span"
)

// Span is a unit of timed work. Create one with Client.StartSpan.
type Span = span.Span

// SpanContext identifies a span for parenting and comparison.
type SpanContext = span.Context

// SpanOptions controls how a span starts. StartTime accepts a time.Time, a
// time.Duration offset or a number of milliseconds on the client clock;
// anything else means now.
type SpanOptions = span.Options

// SpanKind is the OTLP span kind.
type SpanKind = span.Kind

// Span kinds. An unset kind is reported as internal.
const (
	SpanKindInternal = span.KindInternal
	SpanKindServer   = span.KindServer
	SpanKindClient   = span.KindClient
	SpanKindProducer = span.KindProducer
	SpanKindConsumer = span.KindConsumer
)

// Payload is the body sent to the collector.
type Payload = delivery.Payload

// Response is a Delivery outcome.
type Response = delivery.Response

// DeliveryState classifies a Delivery outcome.
type DeliveryState = delivery.State

// Delivery outcomes.
const (
	DeliverySuccess          = delivery.StateSuccess
	DeliveryFailureRetryable = delivery.StateFailureRetryable
	DeliveryFailureDiscard   = delivery.StateFailureDiscard
)

// ControllableListener is a BackgroundingListener driven by explicit calls,
// for hosts that learn about suspension through their own events.
type ControllableListener = backgrounding.Controllable

// NewControllableListener returns a listener in the foreground state.
func NewControllableListener() *ControllableListener {
	return backgrounding.NewControllable()
}

// ContextEquals reports whether a and b identify the same span. Validity is
// not compared; two nil contexts are equal.
func ContextEquals(a, b SpanContext) bool {
	return span.ContextEquals(a, b)
}

// Bool returns a pointer to b, for SpanOptions.IsFirstClass.
func Bool(b bool) *bool { return &b }
