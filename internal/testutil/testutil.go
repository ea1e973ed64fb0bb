// Package testutil provides in-memory collaborators shared by the agent's
// package tests: a scriptable delivery, a recording retry queue and a log
// handler that captures records for assertions.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ashita-ai/kiroku/internal/delivery"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Request is one call recorded by InMemoryDelivery.
type Request struct {
	Endpoint string
	APIKey   string
	Payload  delivery.Payload
}

// InMemoryDelivery records every Send and answers with scripted responses.
// Once the script is exhausted every Send succeeds.
type InMemoryDelivery struct {
	mu        sync.Mutex
	requests  []Request
	responses []delivery.Response
}

// NewInMemoryDelivery returns a delivery that succeeds until scripted
// otherwise.
func NewInMemoryDelivery() *InMemoryDelivery {
	return &InMemoryDelivery{}
}

// Respond queues responses for the next Send calls, in order.
func (d *InMemoryDelivery) Respond(responses ...delivery.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, responses...)
}

// Send records the request and returns the next scripted response.
func (d *InMemoryDelivery) Send(_ context.Context, endpoint, apiKey string, payload delivery.Payload) delivery.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, Request{Endpoint: endpoint, APIKey: apiKey, Payload: payload})
	if len(d.responses) == 0 {
		return delivery.Response{State: delivery.StateSuccess}
	}
	resp := d.responses[0]
	d.responses = d.responses[1:]
	return resp
}

// Requests returns a copy of the recorded requests.
func (d *InMemoryDelivery) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}

// RecordingRetryQueue counts Add and Flush calls without redelivering
// anything.
type RecordingRetryQueue struct {
	mu      sync.Mutex
	added   []delivery.Payload
	flushes int
}

// Add records payload.
func (q *RecordingRetryQueue) Add(payload delivery.Payload, _ time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.added = append(q.added, payload)
}

// Flush records the call.
func (q *RecordingRetryQueue) Flush(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushes++
}

// Added returns the payloads passed to Add.
func (q *RecordingRetryQueue) Added() []delivery.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]delivery.Payload, len(q.added))
	copy(out, q.added)
	return out
}

// Flushes returns the number of Flush calls.
func (q *RecordingRetryQueue) Flushes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushes
}

// Record is a captured log record.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// RecordingHandler is a slog.Handler that keeps every record it sees.
type RecordingHandler struct {
	mu      *sync.Mutex
	records *[]Record
	attrs   []slog.Attr
}

// NewRecordingLogger returns a logger backed by a fresh RecordingHandler.
func NewRecordingLogger() (*slog.Logger, *RecordingHandler) {
	h := &RecordingHandler{mu: &sync.Mutex{}, records: &[]Record{}}
	return slog.New(h), h
}

func (h *RecordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, Record{Level: r.Level, Message: r.Message, Attrs: attrs})
	return nil
}

func (h *RecordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RecordingHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// WithGroup is unsupported; group names are dropped.
func (h *RecordingHandler) WithGroup(string) slog.Handler { return h }

// Records returns a copy of the captured records.
func (h *RecordingHandler) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(*h.records))
	copy(out, *h.records)
	return out
}

// Messages returns the captured messages at level.
func (h *RecordingHandler) Messages(level slog.Level) []string {
	var out []string
	for _, r := range h.Records() {
		if r.Level == level {
			out = append(out, r.Message)
		}
	}
	return out
}
