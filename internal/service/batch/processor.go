// Package batch buffers sampled spans and delivers them in batches.
//
// A batch is delivered when it reaches the configured size or when the
// configured age has passed since the most recent Add, whichever happens
// first. Delivery runs in the background; spans added while a delivery is in
// flight accumulate in a fresh buffer.
package batch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/attribute"
	"github.com/ashita-ai/kiroku/internal/clock"
	"github.com/ashita-ai/kiroku/internal/delivery"
	"github.com/ashita-ai/kiroku/internal/service/retry"
	"github.com/ashita-ai/kiroku/internal/service/sampling"
	"github.com/ashita-ai/kiroku/internal/span"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxBatchSize = 100
	DefaultBatchAge     = 30 * time.Second
)

// Config configures a Processor.
type Config struct {
	Endpoint string
	APIKey   string

	// ReleaseStage is dropped entirely unless it appears in
	// EnabledReleaseStages. A nil EnabledReleaseStages enables every stage.
	ReleaseStage         string
	EnabledReleaseStages []string

	MaxBatchSize int           // Default: 100.
	BatchAge     time.Duration // Default: 30s.
}

// Deps are the collaborators of a Processor. Resource may be nil.
type Deps struct {
	Clock      clock.Clock
	Delivery   delivery.Delivery
	RetryQueue retry.Queue
	Sampler    *sampling.Sampler
	Resource   func() *attribute.Set
	// Now is the wall clock used to timestamp retry-queue entries and
	// probability updates. Default: time.Now.
	Now func() time.Time
}

// Processor implements span.Processor.
type Processor struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	enabled bool

	mu         sync.Mutex
	spans      []span.Ended
	timer      *clock.Timer
	generation uint64

	inflight sync.WaitGroup
	started  atomic.Bool

	sampledOut atomic.Int64
	deliveries atomic.Int64
}

// New creates a Processor. Call Start to register metrics and Drain to
// deliver whatever is buffered at shutdown.
func New(cfg Config, deps Deps, logger *slog.Logger) *Processor {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.BatchAge <= 0 {
		cfg.BatchAge = DefaultBatchAge
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Processor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		enabled: cfg.EnabledReleaseStages == nil || slices.Contains(cfg.EnabledReleaseStages, cfg.ReleaseStage),
	}
}

// Start registers OTEL gauges. Calling Start more than once is a no-op.
func (p *Processor) Start() {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("batch: Start called more than once, ignoring")
		return
	}
	p.registerMetrics()
}

// Add accepts an ended span. Every accepted Add re-arms the age timer, even
// when the span is then sampled out.
func (p *Processor) Add(s span.Ended) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	p.armTimerLocked()
	if !p.deps.Sampler.Decide(s) {
		p.mu.Unlock()
		p.sampledOut.Add(1)
		return
	}
	p.spans = append(p.spans, s)
	if len(p.spans) < p.cfg.MaxBatchSize {
		p.mu.Unlock()
		return
	}
	batch := p.takeLocked()
	p.mu.Unlock()

	p.send(batch)
}

// Flush delivers whatever is buffered, even if nothing is. An empty
// delivery still returns the collector's current sampling probability.
func (p *Processor) Flush() {
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()

	p.send(batch)
}

// armTimerLocked replaces the pending timer with one due BatchAge from now.
// Caller holds p.mu.
func (p *Processor) armTimerLocked() {
	p.timer.Stop()
	p.generation++
	gen := p.generation
	p.timer = p.deps.Clock.AfterFunc(p.cfg.BatchAge, func() { p.onTimer(gen) })
}

func (p *Processor) onTimer(gen uint64) {
	p.mu.Lock()
	if gen != p.generation {
		// Re-armed or flushed after this timer was scheduled.
		p.mu.Unlock()
		return
	}
	p.timer = nil
	batch := p.takeLocked()
	p.mu.Unlock()

	p.send(batch)
}

// takeLocked swaps out the buffer and cancels the pending timer.
// Caller holds p.mu.
func (p *Processor) takeLocked() []span.Ended {
	p.timer.Stop()
	p.timer = nil
	p.generation++
	batch := p.spans
	p.spans = nil
	return batch
}

func (p *Processor) send(batch []span.Ended) {
	var resource *attribute.Set
	if p.deps.Resource != nil {
		resource = p.deps.Resource()
	}
	payload := delivery.BuildPayload(batch, resource, p.deps.Clock)

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.deliver(context.Background(), payload)
	}()
}

func (p *Processor) deliver(ctx context.Context, payload delivery.Payload) {
	resp := p.deps.Delivery.Send(ctx, p.cfg.Endpoint, p.cfg.APIKey, payload)
	p.deliveries.Add(1)

	if resp.SamplingProbability != nil {
		p.deps.Sampler.Update(*resp.SamplingProbability, p.deps.Now())
	}

	switch resp.State {
	case delivery.StateSuccess:
		p.deps.RetryQueue.Flush(ctx)
	case delivery.StateFailureRetryable:
		p.logger.Info("delivery failed, adding to retry queue", "spans", payload.SpanCount())
		p.deps.RetryQueue.Add(payload, p.deps.Now())
	case delivery.StateFailureDiscard:
		p.logger.Warn("delivery failed", "spans", payload.SpanCount())
	}
}

// Wait blocks until every in-flight delivery has completed.
func (p *Processor) Wait() {
	p.inflight.Wait()
}

// Drain delivers the current buffer and waits for in-flight deliveries, or
// until ctx is done.
func (p *Processor) Drain(ctx context.Context) {
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()
	if len(batch) > 0 {
		p.send(batch)
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("batch: drain timed out waiting for deliveries")
	}
}

// Len returns the number of buffered spans.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.spans)
}

// SampledOut returns the number of spans discarded by sampling.
func (p *Processor) SampledOut() int64 { return p.sampledOut.Load() }

// Deliveries returns the number of completed delivery attempts.
func (p *Processor) Deliveries() int64 { return p.deliveries.Load() }

func (p *Processor) registerMetrics() {
	meter := telemetry.Meter("kiroku/batch")

	_, _ = meter.Int64ObservableGauge("kiroku.batch.depth",
		metric.WithDescription("Spans waiting in the current batch"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kiroku.batch.sampled_out_total",
		metric.WithDescription("Spans discarded by sampling"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.SampledOut())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kiroku.batch.deliveries_total",
		metric.WithDescription("Completed delivery attempts"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Deliveries())
			return nil
		}),
	)
}
