// Package span implements the span lifecycle: creation, attribute and event
// recording, ending, and discarding when the process is backgrounded.
package span

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/attribute"
)

// FirstClassAttribute marks a span as a top-level unit of work.
const FirstClassAttribute = "kiroku.span.first_class"

// Kind is the OTLP span kind. trace.SpanKind shares the OTLP numbering, so
// it is encoded as-is.
type Kind = trace.SpanKind

const (
	KindUnspecified = trace.SpanKindUnspecified
	KindInternal    = trace.SpanKindInternal
	KindServer      = trace.SpanKindServer
	KindClient      = trace.SpanKindClient
	KindProducer    = trace.SpanKindProducer
	KindConsumer    = trace.SpanKindConsumer
)

// ParseKind maps a kind name to a Kind. Unknown names map to KindInternal.
func ParseKind(name string) Kind {
	for _, k := range []Kind{KindServer, KindClient, KindProducer, KindConsumer} {
		if k.String() == name {
			return k
		}
	}
	return KindInternal
}

// State is a span's lifecycle state. The only transitions are
// Open→Ended and Open→Discarded.
type State int

const (
	StateOpen State = iota
	StateEnded
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEnded:
		return "ended"
	default:
		return "discarded"
	}
}

// Event is a named point in time within a span.
type Event struct {
	Name string
	Time time.Duration
}

// Context is the public identity of a span. IsValid reports whether the
// span is still open.
type Context interface {
	ID() string
	TraceID() string
	IsValid() bool
}

// ContextEquals reports whether two contexts identify the same span.
// Validity is not part of equality; two nil contexts are equal.
func ContextEquals(a, b Context) bool {
	aNil, bNil := isNilContext(a), isNilContext(b)
	if aNil || bNil {
		return aNil && bNil
	}
	return a.ID() == b.ID() && a.TraceID() == b.TraceID()
}

func isNilContext(c Context) bool {
	if c == nil {
		return true
	}
	if s, ok := c.(*Span); ok {
		return s == nil
	}
	return false
}

// Options configure StartSpan.
type Options struct {
	// StartTime accepts a time.Time, a time.Duration offset from the clock
	// origin, or a number of milliseconds since the origin. Anything else,
	// including nil, means "now".
	StartTime any

	// ParentContext, when set, supplies the trace id and parent span id.
	// Only the identifiers are copied; the parent is not retained.
	ParentContext Context

	// IsFirstClass sets FirstClassAttribute when non-nil.
	IsFirstClass *bool

	// Kind defaults to KindInternal.
	Kind Kind
}

// Span is an open, ended or discarded unit of work. Identity fields are
// immutable; everything else is guarded by mu.
type Span struct {
	factory *Factory

	id           string
	traceID      string
	parentSpanID string
	name         string
	kind         Kind
	startTime    time.Duration
	samplingRate uint32

	mu         sync.Mutex
	state      State
	endTime    time.Duration
	attributes *attribute.Set
	events     []Event
}

// ID returns the 64-bit hex span id.
func (s *Span) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// TraceID returns the 128-bit hex trace id.
func (s *Span) TraceID() string {
	if s == nil {
		return ""
	}
	return s.traceID
}

// IsValid reports whether the span is still open.
func (s *Span) IsValid() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// Name returns the span name.
func (s *Span) Name() string { return s.name }

// SamplingRate returns the value derived from the trace id at creation.
func (s *Span) SamplingRate() uint32 { return s.samplingRate }

// State returns the current lifecycle state.
func (s *Span) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetAttribute records key=value while the span is open. Values other than
// strings, integers, finite floats and booleans are ignored.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.attributes.Set(key, value)
}

// RemoveAttribute deletes key while the span is open.
func (s *Span) RemoveAttribute(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.attributes.Remove(key)
}

// Attribute returns the current value of key.
func (s *Span) Attribute(key string) (attribute.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attributes.Get(key)
}

// AddEvent appends a named event. t follows the same rules as
// Options.StartTime.
func (s *Span) AddEvent(name string, t any) {
	at := ResolveTime(s.factory.clock, t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.events = append(s.events, Event{Name: name, Time: at})
}

// End ends the span now.
func (s *Span) End() { s.factory.EndSpan(s, nil) }

// EndAt ends the span at t, which follows the same rules as
// Options.StartTime.
func (s *Span) EndAt(t any) { s.factory.EndSpan(s, t) }

// endLocked transitions to StateEnded and snapshots the span.
// Caller holds s.mu.
func (s *Span) endLocked(endTime time.Duration) Ended {
	s.state = StateEnded
	s.endTime = endTime
	events := make([]Event, len(s.events))
	copy(events, s.events)
	return Ended{
		ID:           s.id,
		TraceID:      s.traceID,
		ParentSpanID: s.parentSpanID,
		Name:         s.name,
		Kind:         s.kind,
		StartTime:    s.startTime,
		EndTime:      endTime,
		Attributes:   s.attributes.Clone(),
		Events:       events,
		SamplingRate: s.samplingRate,
	}
}

// Ended is an immutable snapshot of a span taken when it ended. It is what
// the batch processor buffers and delivers.
type Ended struct {
	ID           string
	TraceID      string
	ParentSpanID string
	Name         string
	Kind         Kind
	StartTime    time.Duration
	EndTime      time.Duration
	Attributes   *attribute.Set
	Events       []Event
	SamplingRate uint32
}
