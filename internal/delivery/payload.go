package delivery

import (
	"github.com/ashita-ai/kiroku/internal/attribute"
	"github.com/ashita-ai/kiroku/internal/clock"
	"github.com/ashita-ai/kiroku/internal/span"
)

// Payload is the OTLP/JSON body of one delivery.
type Payload struct {
	ResourceSpans []ResourceSpans `json:"resourceSpans"`
}

// ResourceSpans groups spans under one resource snapshot.
type ResourceSpans struct {
	Resource   Resource     `json:"resource"`
	ScopeSpans []ScopeSpans `json:"scopeSpans"`
}

// Resource holds the attributes shared by every span in the group.
type Resource struct {
	Attributes []attribute.KeyValue `json:"attributes"`
}

// ScopeSpans holds the encoded spans.
type ScopeSpans struct {
	Spans []Span `json:"spans"`
}

// Span is the wire form of an ended span.
type Span struct {
	Name              string               `json:"name"`
	Kind              int                  `json:"kind"`
	SpanID            string               `json:"spanId"`
	TraceID           string               `json:"traceId"`
	ParentSpanID      string               `json:"parentSpanId,omitempty"`
	StartTimeUnixNano string               `json:"startTimeUnixNano"`
	EndTimeUnixNano   string               `json:"endTimeUnixNano"`
	Attributes        []attribute.KeyValue `json:"attributes"`
	Events            []Event              `json:"events"`
}

// Event is the wire form of a span event.
type Event struct {
	Name         string `json:"name"`
	TimeUnixNano string `json:"timeUnixNano"`
}

// BuildPayload encodes spans under a single resource. An empty batch still
// produces a payload; the collector answers it with the current sampling
// probability.
func BuildPayload(spans []span.Ended, resourceAttrs *attribute.Set, c clock.Clock) Payload {
	encoded := make([]Span, 0, len(spans))
	for _, s := range spans {
		encoded = append(encoded, encodeSpan(s, c))
	}
	return Payload{
		ResourceSpans: []ResourceSpans{{
			Resource:   Resource{Attributes: resourceAttrs.ToJSON()},
			ScopeSpans: []ScopeSpans{{Spans: encoded}},
		}},
	}
}

func encodeSpan(s span.Ended, c clock.Clock) Span {
	events := make([]Event, 0, len(s.Events))
	for _, e := range s.Events {
		events = append(events, Event{Name: e.Name, TimeUnixNano: c.ToUnixNanoseconds(e.Time)})
	}
	return Span{
		Name:              s.Name,
		Kind:              int(s.Kind),
		SpanID:            s.ID,
		TraceID:           s.TraceID,
		ParentSpanID:      s.ParentSpanID,
		StartTimeUnixNano: c.ToUnixNanoseconds(s.StartTime),
		EndTimeUnixNano:   c.ToUnixNanoseconds(s.EndTime),
		Attributes:        s.Attributes.ToJSON(),
		Events:            events,
	}
}

// SpanCount returns the number of spans across all groups.
func (p Payload) SpanCount() int {
	n := 0
	for _, rs := range p.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			n += len(ss.Spans)
		}
	}
	return n
}

// Spans returns every encoded span in order.
func (p Payload) Spans() []Span {
	var out []Span
	for _, rs := range p.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			out = append(out, ss.Spans...)
		}
	}
	return out
}
