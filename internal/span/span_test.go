package span_test

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/attribute"
	"github.com/ashita-ai/kiroku/internal/backgrounding"
	"github.com/ashita-ai/kiroku/internal/clock"
	"github.com/ashita-ai/kiroku/internal/idgen"
	"github.com/ashita-ai/kiroku/internal/span"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

var origin = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

type recordingProcessor struct {
	mu    sync.Mutex
	spans []span.Ended
}

func (p *recordingProcessor) Add(s span.Ended) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans = append(p.spans, s)
}

func (p *recordingProcessor) ended() []span.Ended {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]span.Ended(nil), p.spans...)
}

type fixture struct {
	factory   *span.Factory
	processor *recordingProcessor
	clock     *clock.FakeClock
	listener  *backgrounding.Controllable
	logs      *testutil.RecordingHandler
}

func newFixture(t *testing.T, ids idgen.Generator) *fixture {
	t.Helper()
	logger, logs := testutil.NewRecordingLogger()
	f := &fixture{
		processor: &recordingProcessor{},
		clock:     clock.Fake(origin),
		listener:  backgrounding.NewControllable(),
		logs:      logs,
	}
	f.factory = span.NewFactory(span.FactoryConfig{
		Processor:   f.processor,
		IDGenerator: ids,
		Clock:       f.clock,
		Listener:    f.listener,
		Logger:      logger,
	})
	return f
}

func TestStartSpan_AssignsIdentity(t *testing.T) {
	f := newFixture(t, &idgen.Sequence{
		SpanIDs:  []string{"a0b1c2d3e4f5a0b1"},
		TraceIDs: []string{"a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3"},
	})

	s := f.factory.StartSpan("test span", span.Options{})

	assert.Equal(t, "a0b1c2d3e4f5a0b1", s.ID())
	assert.Equal(t, "a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3", s.TraceID())
	assert.Equal(t, uint32(0x26264444), s.SamplingRate())
	assert.True(t, s.IsValid())
	assert.Equal(t, 1, f.factory.OpenCount())
}

func TestStartSpan_RandomIDsHaveExpectedWidth(t *testing.T) {
	f := newFixture(t, nil)
	s := f.factory.StartSpan("random", span.Options{})
	assert.Len(t, s.ID(), 16)
	assert.Len(t, s.TraceID(), 32)
}

func TestStartSpan_ParentContextSuppliesTraceID(t *testing.T) {
	f := newFixture(t, nil)
	parent := f.factory.StartSpan("parent", span.Options{})
	child := f.factory.StartSpan("child", span.Options{ParentContext: parent})

	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.NotEqual(t, parent.ID(), child.ID())

	child.End()
	ended := f.processor.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, parent.ID(), ended[0].ParentSpanID)
}

func TestStartSpan_StartTimeInputs(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Advance(5 * time.Millisecond)

	tests := []struct {
		name  string
		input any
		want  time.Duration
	}{
		{"nil uses now", nil, 5 * time.Millisecond},
		{"milliseconds", 1234, 1234 * time.Millisecond},
		{"float milliseconds", 1.5, 1500 * time.Microsecond},
		{"duration", 7 * time.Second, 7 * time.Second},
		{"wall clock time", origin.Add(3 * time.Second), 3 * time.Second},
		{"zero time uses now", time.Time{}, 5 * time.Millisecond},
		{"string uses now", "yesterday", 5 * time.Millisecond},
		{"bool uses now", true, 5 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := f.factory.StartSpan(tt.name, span.Options{StartTime: tt.input})
			s.EndAt(10 * time.Second)
			ended := f.processor.ended()
			assert.Equal(t, tt.want, ended[len(ended)-1].StartTime)
		})
	}
}

func TestStartSpan_DefaultKindIsInternal(t *testing.T) {
	f := newFixture(t, nil)
	f.factory.StartSpan("a", span.Options{}).End()
	f.factory.StartSpan("b", span.Options{Kind: span.KindClient}).End()
	f.factory.StartSpan("c", span.Options{Kind: span.Kind(42)}).End()

	ended := f.processor.ended()
	require.Len(t, ended, 3)
	assert.Equal(t, span.KindInternal, ended[0].Kind)
	assert.Equal(t, span.KindClient, ended[1].Kind)
	assert.Equal(t, span.KindInternal, ended[2].Kind, "unknown kinds are reported as internal")
}

func TestStartSpan_FirstClass(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name    string
		opt     *bool
		present bool
	}{
		{"true", &yes, true},
		{"false", &no, true},
		{"absent", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			s := f.factory.StartSpan("fc", span.Options{IsFirstClass: tt.opt})
			v, ok := s.Attribute(span.FirstClassAttribute)
			require.Equal(t, tt.present, ok)
			if tt.present {
				assert.Equal(t, *tt.opt, v.AsBool())
			}
		})
	}
}

func TestStartSpan_AppliesSpanAttributesSource(t *testing.T) {
	f := newFixture(t, nil)
	f.factory = span.NewFactory(span.FactoryConfig{
		Processor: f.processor,
		Clock:     f.clock,
		SpanAttributes: func() *attribute.Set {
			s := attribute.NewSet()
			s.Set("session.id", "abc")
			return s
		},
	})

	s := f.factory.StartSpan("with defaults", span.Options{})
	v, ok := s.Attribute("session.id")
	require.True(t, ok)
	assert.Equal(t, "abc", v.AsString())
}

func TestEnd_DeliversSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	s := f.factory.StartSpan("work", span.Options{StartTime: 0})
	s.SetAttribute("http.method", "GET")
	s.SetAttribute("retries", 2)
	s.SetAttribute("ignored", []string{"not", "allowed"})
	s.SetAttribute("removed", true)
	s.RemoveAttribute("removed")
	s.AddEvent("first byte", 12)

	s.EndAt(4321)

	assert.False(t, s.IsValid())
	assert.Equal(t, span.StateEnded, s.State())
	assert.Equal(t, 0, f.factory.OpenCount())

	ended := f.processor.ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "work", got.Name)
	assert.Equal(t, 4321*time.Millisecond, got.EndTime)
	assert.Equal(t, []string{"http.method", "retries"}, got.Attributes.Keys())
	assert.Equal(t, []span.Event{{Name: "first byte", Time: 12 * time.Millisecond}}, got.Events)
	assert.Equal(t, "1672617604321000000", f.clock.ToUnixNanoseconds(got.EndTime))
}

func TestEnd_SnapshotIsIndependentOfSpan(t *testing.T) {
	f := newFixture(t, nil)
	s := f.factory.StartSpan("work", span.Options{})
	s.SetAttribute("k", "before")
	s.End()

	s.SetAttribute("k", "after")
	s.AddEvent("late", nil)

	got := f.processor.ended()[0]
	v, _ := got.Attributes.Get("k")
	assert.Equal(t, "before", v.AsString())
	assert.Empty(t, got.Events)
}

func TestEnd_Twice(t *testing.T) {
	f := newFixture(t, nil)
	s := f.factory.StartSpan("twice", span.Options{})

	s.End()
	s.End()
	s.End()

	assert.Len(t, f.processor.ended(), 1)
	warnings := f.logs.Messages(slog.LevelWarn)
	assert.Equal(t, []string{
		"attempted to end a span which has already ended or been discarded",
		"attempted to end a span which has already ended or been discarded",
	}, warnings)
}

func TestBackgrounding(t *testing.T) {
	tests := []struct {
		name      string
		run       func(f *fixture) *span.Span
		delivered bool
	}{
		{
			name: "foreground throughout",
			run: func(f *fixture) *span.Span {
				s := f.factory.StartSpan("s", span.Options{})
				s.End()
				return s
			},
			delivered: true,
		},
		{
			name: "started and ended in background",
			run: func(f *fixture) *span.Span {
				f.listener.SendToBackground()
				s := f.factory.StartSpan("s", span.Options{})
				s.End()
				return s
			},
		},
		{
			name: "backgrounded before end",
			run: func(f *fixture) *span.Span {
				s := f.factory.StartSpan("s", span.Options{})
				f.listener.SendToBackground()
				s.End()
				return s
			},
		},
		{
			name: "started in background, ended in foreground",
			run: func(f *fixture) *span.Span {
				f.listener.SendToBackground()
				s := f.factory.StartSpan("s", span.Options{})
				f.listener.SendToForeground()
				s.End()
				return s
			},
		},
		{
			name: "backgrounded and foregrounded during lifetime",
			run: func(f *fixture) *span.Span {
				s := f.factory.StartSpan("s", span.Options{})
				f.listener.SendToBackground()
				f.listener.SendToForeground()
				s.End()
				return s
			},
		},
		{
			name: "started after returning to foreground",
			run: func(f *fixture) *span.Span {
				f.listener.SendToBackground()
				f.listener.SendToForeground()
				s := f.factory.StartSpan("s", span.Options{})
				s.End()
				return s
			},
			delivered: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			s := tt.run(f)
			if tt.delivered {
				assert.Len(t, f.processor.ended(), 1)
				assert.Empty(t, f.logs.Messages(slog.LevelWarn))
				return
			}
			assert.Empty(t, f.processor.ended())
			assert.Equal(t, span.StateDiscarded, s.State())
			assert.Len(t, f.logs.Messages(slog.LevelWarn), 1)
		})
	}
}

func TestBackgrounding_ListenerAlreadyInBackground(t *testing.T) {
	listener := backgrounding.NewControllable()
	listener.SendToBackground()

	processor := &recordingProcessor{}
	factory := span.NewFactory(span.FactoryConfig{
		Processor: processor,
		Clock:     clock.Fake(origin),
		Listener:  listener,
	})

	s := factory.StartSpan("late subscriber", span.Options{})
	assert.False(t, s.IsValid())
	s.End()
	assert.Empty(t, processor.ended())
}

func TestBackgrounding_DiscardedSpanIgnoresWrites(t *testing.T) {
	f := newFixture(t, nil)
	s := f.factory.StartSpan("s", span.Options{})
	f.listener.SendToBackground()

	s.SetAttribute("k", "v")
	_, ok := s.Attribute("k")
	assert.False(t, ok)
	assert.Equal(t, 0, f.factory.OpenCount())
}

func TestContextEquals(t *testing.T) {
	f := newFixture(t, &idgen.Sequence{
		SpanIDs:  []string{"0000000000000001", "0000000000000002"},
		TraceIDs: []string{"0123456789abcdeffedcba9876543210", "0123456789abcdeffedcba9876543210"},
	})
	a := f.factory.StartSpan("a", span.Options{})
	b := f.factory.StartSpan("b", span.Options{})

	assert.True(t, span.ContextEquals(a, a))
	assert.False(t, span.ContextEquals(a, b))
	assert.True(t, span.ContextEquals(nil, nil))
	assert.False(t, span.ContextEquals(a, nil))
	assert.False(t, span.ContextEquals(nil, b))

	var nilSpan *span.Span
	assert.True(t, span.ContextEquals(nilSpan, nil))

	// Validity is not part of identity.
	a.End()
	assert.True(t, span.ContextEquals(a, staticContext{id: a.ID(), traceID: a.TraceID(), valid: true}))
}

type staticContext struct {
	id, traceID string
	valid       bool
}

func (c staticContext) ID() string      { return c.id }
func (c staticContext) TraceID() string { return c.traceID }
func (c staticContext) IsValid() bool   { return c.valid }

func TestSamplingRate(t *testing.T) {
	tests := []struct {
		traceID string
		want    uint32
	}{
		{"0123456789abcdeffedcba9876543210", 0},
		{"a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3", 0x26264444},
		{"7eb23db1d1456caa839b662f3729d23c", 0x1b45e508},
		{"ffffffff000000000000000000000000", 0xffffffff},
		{"zzzzzzzz00000001", 1},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.traceID, func(t *testing.T) {
			assert.Equal(t, tt.want, span.SamplingRate(tt.traceID))
		})
	}
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, span.KindServer, span.ParseKind("server"))
	assert.Equal(t, span.KindClient, span.ParseKind("client"))
	assert.Equal(t, span.KindInternal, span.ParseKind("bogus"))
	assert.Equal(t, "consumer", span.KindConsumer.String())
	assert.Equal(t, 3, int(span.KindClient), "OTLP numbering")
}
