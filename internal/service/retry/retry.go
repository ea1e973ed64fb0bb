// Package retry holds payloads whose delivery failed in a retryable way
// and redelivers them after a later delivery succeeds.
//
// Queues are FIFO and bounded: when full, the oldest payload is dropped.
// A flush sends payloads oldest first and stops at the first retryable
// failure so that order is preserved for the next attempt. Payloads older
// than the configured maximum age are dropped instead of sent.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kiroku/internal/delivery"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxPayloads = 50
	DefaultMaxAge      = 24 * time.Hour
)

// Queue is the contract consumed by the batch processor.
type Queue interface {
	// Add enqueues a payload that failed with a retryable outcome at the
	// given time.
	Add(payload delivery.Payload, at time.Time)
	// Flush attempts redelivery of everything queued. Outcomes are handled
	// inside the queue.
	Flush(ctx context.Context)
}

// Config configures a queue.
type Config struct {
	Endpoint    string
	APIKey      string
	MaxPayloads int               // Default: 50.
	MaxAge      time.Duration     // Default: 24h.
	Limiter     ratelimit.Limiter // Default: no pacing.
	Now         func() time.Time  // Default: time.Now.
}

func (c *Config) applyDefaults() {
	if c.MaxPayloads <= 0 {
		c.MaxPayloads = DefaultMaxPayloads
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Limiter == nil {
		c.Limiter = ratelimit.NoopLimiter{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type entry struct {
	lsn      uint64 // journal position; zero without a journal
	queuedAt time.Time
	payload  delivery.Payload
}

// journal persists queue contents. Entries only ever leave from the head,
// so removal is a single watermark.
type journal interface {
	append(queuedAt time.Time, payload delivery.Payload) (uint64, error)
	commit(lsn uint64) error
}

// MemoryQueue is a retry queue held in process memory. It is safe for
// concurrent use.
type MemoryQueue struct {
	delivery delivery.Delivery
	cfg      Config
	logger   *slog.Logger
	journal  journal

	mu       sync.Mutex
	entries  []entry
	flushing bool

	flights singleflight.Group
}

// NewMemoryQueue returns an empty in-memory queue that redelivers through d.
func NewMemoryQueue(d delivery.Delivery, cfg Config, logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg.applyDefaults()
	q := &MemoryQueue{delivery: d, cfg: cfg, logger: logger}
	q.registerMetrics()
	return q
}

// Add enqueues payload, dropping the oldest entry if the queue is full.
func (q *MemoryQueue) Add(payload delivery.Payload, at time.Time) {
	e := entry{queuedAt: at, payload: payload}

	q.mu.Lock()
	if q.journal != nil {
		// Journal under q.mu so LSN order matches queue order.
		lsn, err := q.journal.append(at, payload)
		if err != nil {
			// Still queued in memory; only a crash loses it.
			q.logger.Warn("retry: journal append failed", "error", err)
		}
		e.lsn = lsn
	}
	q.entries = append(q.entries, e)
	dropped := q.trimLocked()
	q.mu.Unlock()

	q.commitThrough(dropped)
}

// trimLocked drops entries beyond MaxPayloads from the head and returns the
// last dropped entry's LSN. While a flush holds the head of the queue
// nothing is dropped; the flush trims when it hands entries back.
// Caller holds q.mu.
func (q *MemoryQueue) trimLocked() uint64 {
	excess := len(q.entries) - q.cfg.MaxPayloads
	if excess <= 0 || q.flushing {
		return 0
	}
	last := q.entries[excess-1].lsn
	q.logger.Debug("retry: queue full, dropping oldest payloads", "dropped", excess)
	q.entries = append([]entry(nil), q.entries[excess:]...)
	return last
}

// Flush redelivers queued payloads oldest first. Concurrent calls share a
// single pass.
func (q *MemoryQueue) Flush(ctx context.Context) {
	_, _, _ = q.flights.Do("flush", func() (any, error) {
		q.flush(ctx)
		return nil, nil
	})
}

func (q *MemoryQueue) flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.entries
	q.entries = nil
	q.flushing = len(batch) > 0
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	cutoff := q.cfg.Now().Add(-q.cfg.MaxAge)
	var (
		done      int    // entries consumed from the head of batch
		watermark uint64 // highest LSN consumed
	)
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		if e.queuedAt.Before(cutoff) {
			q.logger.Debug("retry: dropping expired payload", "queued_at", e.queuedAt)
			done++
			watermark = max(watermark, e.lsn)
			continue
		}
		allowed, err := q.cfg.Limiter.Allow(ctx, q.cfg.Endpoint)
		if err == nil && !allowed {
			break
		}

		resp := q.delivery.Send(ctx, q.cfg.Endpoint, q.cfg.APIKey, e.payload)
		if resp.State == delivery.StateFailureRetryable {
			break
		}
		if resp.State == delivery.StateFailureDiscard {
			q.logger.Warn("retry: queued payload rejected, discarding")
		}
		done++
		watermark = max(watermark, e.lsn)
	}

	remaining := batch[done:]
	q.mu.Lock()
	// Anything added during the flush is newer than what is left.
	q.entries = append(append([]entry(nil), remaining...), q.entries...)
	q.flushing = false
	if dropped := q.trimLocked(); dropped > watermark {
		watermark = dropped
	}
	q.mu.Unlock()

	q.commitThrough(watermark)
}

func (q *MemoryQueue) commitThrough(lsn uint64) {
	if q.journal == nil || lsn == 0 {
		return
	}
	if err := q.journal.commit(lsn); err != nil {
		q.logger.Warn("retry: journal commit failed", "error", err)
	}
}

// Len returns the number of queued payloads.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *MemoryQueue) registerMetrics() {
	meter := telemetry.Meter("kiroku/retry")
	_, _ = meter.Int64ObservableGauge("kiroku.retry.queue_depth",
		metric.WithDescription("Payloads waiting for redelivery"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()))
			return nil
		}),
	)
}

// WALQueue is a MemoryQueue whose contents survive a restart.
type WALQueue struct {
	*MemoryQueue
	wal *wal
}

// OpenWALQueue opens the journal in walCfg.Dir and restores any payloads
// left from a previous run.
func OpenWALQueue(d delivery.Delivery, cfg Config, walCfg WALConfig, logger *slog.Logger) (*WALQueue, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w, pending, err := openWAL(logger, walCfg)
	if err != nil {
		return nil, err
	}

	q := NewMemoryQueue(d, cfg, logger)
	q.journal = w
	for _, r := range pending {
		q.entries = append(q.entries, entry{lsn: r.lsn, queuedAt: r.queuedAt, payload: r.payload})
	}
	q.commitThrough(q.trimLocked())
	if len(pending) > 0 {
		logger.Info("retry: recovered queued payloads", "count", q.Len())
	}

	wq := &WALQueue{MemoryQueue: q, wal: w}
	return wq, nil
}

// SegmentCount returns the number of journal segment files on disk.
func (q *WALQueue) SegmentCount() int { return q.wal.segmentCount() }

// Close flushes the journal to disk and closes it.
func (q *WALQueue) Close() error {
	return q.wal.close()
}
