package span

import (
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/attribute"
	"github.com/ashita-ai/kiroku/internal/backgrounding"
	"github.com/ashita-ai/kiroku/internal/clock"
	"github.com/ashita-ai/kiroku/internal/idgen"
)

const alreadyEndedMessage = "attempted to end a span which has already ended or been discarded"

// Processor receives spans as they end.
type Processor interface {
	Add(s Ended)
}

// AttributesSource produces the default attributes applied to every new
// span. It may return nil.
type AttributesSource func() *attribute.Set

// FactoryConfig holds the collaborators of a Factory. Clock, IDGenerator and
// Processor are required; the rest are optional.
type FactoryConfig struct {
	Processor      Processor
	IDGenerator    idgen.Generator
	Clock          clock.Clock
	Listener       backgrounding.Listener
	SpanAttributes AttributesSource
	Logger         *slog.Logger
}

// Factory creates spans and tracks the open ones so they can be discarded
// when the process moves to the background.
type Factory struct {
	processor Processor
	ids       idgen.Generator
	clock     clock.Clock
	attrs     AttributesSource
	logger    *slog.Logger

	mu           sync.Mutex
	open         map[*Span]struct{}
	inBackground bool
}

// NewFactory creates a Factory and subscribes it to cfg.Listener.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ids := cfg.IDGenerator
	if ids == nil {
		ids = idgen.Random{}
	}
	f := &Factory{
		processor: cfg.Processor,
		ids:       ids,
		clock:     cfg.Clock,
		attrs:     cfg.SpanAttributes,
		logger:    logger,
		open:      make(map[*Span]struct{}),
	}
	if cfg.Listener != nil {
		cfg.Listener.OnStateChange(f.onStateChange)
	}
	return f
}

func (f *Factory) onStateChange(state backgrounding.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inBackground = state == backgrounding.InBackground
	if !f.inBackground {
		return
	}
	for s := range f.open {
		s.mu.Lock()
		if s.state == StateOpen {
			s.state = StateDiscarded
		}
		s.mu.Unlock()
	}
	clear(f.open)
}

// StartSpan creates a span. A span started while the process is in the
// background is returned already discarded.
func (f *Factory) StartSpan(name string, opts Options) *Span {
	startTime := ResolveTime(f.clock, opts.StartTime)

	f.mu.Lock()
	defer f.mu.Unlock()

	var traceID, parentSpanID string
	if !isNilContext(opts.ParentContext) {
		traceID = opts.ParentContext.TraceID()
		parentSpanID = opts.ParentContext.ID()
	}
	if traceID == "" {
		traceID = f.ids.Generate(idgen.TraceIDBits)
	}

	kind := trace.ValidateSpanKind(opts.Kind)

	attrs := attribute.NewSet()
	if f.attrs != nil {
		attrs.Merge(f.attrs())
	}
	if opts.IsFirstClass != nil {
		attrs.Set(FirstClassAttribute, *opts.IsFirstClass)
	}

	s := &Span{
		factory:      f,
		id:           f.ids.Generate(idgen.SpanIDBits),
		traceID:      traceID,
		parentSpanID: parentSpanID,
		name:         name,
		kind:         kind,
		startTime:    startTime,
		samplingRate: SamplingRate(traceID),
		attributes:   attrs,
	}

	if f.inBackground {
		s.state = StateDiscarded
		return s
	}
	f.open[s] = struct{}{}
	return s
}

// EndSpan ends s at endTime and hands the snapshot to the processor. Ending
// a span that is not open logs a warning and does nothing else.
func (f *Factory) EndSpan(s *Span, endTime any) {
	at := ResolveTime(f.clock, endTime)

	f.mu.Lock()
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		f.mu.Unlock()
		f.logger.Warn(alreadyEndedMessage, "span_id", s.id, "name", s.name)
		return
	}
	ended := s.endLocked(at)
	s.mu.Unlock()
	delete(f.open, s)
	f.mu.Unlock()

	if f.processor != nil {
		f.processor.Add(ended)
	}
}

// OpenCount returns the number of spans currently tracked as open.
func (f *Factory) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}
