// Package sampling decides which ended spans are kept for delivery.
//
// Every span carries a 32-bit sampling rate derived from its trace id. The
// sampler keeps a span when that rate falls below a threshold derived from
// the current probability, so all spans of a trace share one decision.
package sampling

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ashita-ai/kiroku/internal/persistence"
	"github.com/ashita-ai/kiroku/internal/span"
)

// MaxPersistedAge is how long a persisted probability stays authoritative.
const MaxPersistedAge = 24 * time.Hour

// Sampler owns the sampling probability. It is safe for concurrent use.
type Sampler struct {
	store  persistence.Store
	logger *slog.Logger

	mu          sync.RWMutex
	probability float64
	threshold   uint64

	// writeMu guards latest and writing. A single writer goroutine drains
	// latest, so the stored value always matches the last Update.
	writeMu sync.Mutex
	latest  *persistence.SamplingProbability
	writing bool
	pending sync.WaitGroup
}

// New returns a sampler starting at probability p. store may be nil, in
// which case updates are not persisted.
func New(p float64, store persistence.Store, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sampler{store: store, logger: logger}
	if math.IsNaN(p) {
		p = 1
	}
	s.set(p)
	return s
}

// Threshold returns floor(p * 2^32) for p clamped to [0, 1]. A span is kept
// iff its rate is strictly below the threshold, so p=0 keeps nothing and
// p=1 keeps every rate including 0xffffffff.
func Threshold(p float64) uint64 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return 1 << 32
	default:
		return uint64(math.Floor(p * (1 << 32)))
	}
}

func (s *Sampler) set(p float64) float64 {
	p = min(max(p, 0), 1)
	s.mu.Lock()
	s.probability = p
	s.threshold = Threshold(p)
	s.mu.Unlock()
	return p
}

// Probability returns the current sampling probability.
func (s *Sampler) Probability() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.probability
}

// Sample reports whether a span with the given sampling rate is kept.
func (s *Sampler) Sample(rate uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(rate) < s.threshold
}

// Decide reports whether the ended span is kept.
func (s *Sampler) Decide(e span.Ended) bool {
	return s.Sample(e.SamplingRate)
}

// Update sets a new probability received at the given time and persists it
// in the background. NaN is ignored; other out-of-range values are clamped.
func (s *Sampler) Update(p float64, at time.Time) {
	if math.IsNaN(p) {
		s.logger.Debug("sampling: ignoring NaN probability")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	p = s.set(p)
	if s.store == nil {
		return
	}
	s.latest = &persistence.SamplingProbability{Value: p, Time: at.UnixMilli()}
	if s.writing {
		return
	}
	s.writing = true
	s.pending.Add(1)
	go s.persist()
}

// persist saves the newest pending value until none is left. Values
// superseded while a Save is in flight are never written. Failed writes are
// logged and not retried.
func (s *Sampler) persist() {
	defer s.pending.Done()
	for {
		s.writeMu.Lock()
		value := s.latest
		s.latest = nil
		if value == nil {
			s.writing = false
			s.writeMu.Unlock()
			return
		}
		s.writeMu.Unlock()

		if err := s.store.Save(context.Background(), persistence.KeySamplingProbability, *value); err != nil {
			s.logger.Warn("sampling: persist probability", "error", err)
		}
	}
}

// Wait blocks until every background persistence write has finished.
func (s *Sampler) Wait() {
	s.pending.Wait()
}

// Restore loads the persisted probability. It returns ok=false when nothing
// usable is stored: the key is absent, unreadable, or older than
// MaxPersistedAge relative to now. Callers should then ask the collector for
// a fresh value.
func Restore(ctx context.Context, store persistence.Store, now time.Time, logger *slog.Logger) (p float64, ok bool) {
	if store == nil {
		return 0, false
	}
	var v persistence.SamplingProbability
	if err := store.Load(ctx, persistence.KeySamplingProbability, &v); err != nil {
		if logger != nil && !errors.Is(err, persistence.ErrNotFound) {
			logger.Warn("sampling: restore probability", "error", err)
		}
		return 0, false
	}
	if math.IsNaN(v.Value) || v.Value < 0 || v.Value > 1 {
		return 0, false
	}
	if now.Sub(time.UnixMilli(v.Time)) > MaxPersistedAge {
		return 0, false
	}
	return v.Value, true
}
