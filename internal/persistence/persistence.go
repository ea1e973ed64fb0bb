// Package persistence stores small pieces of agent state that must survive
// a restart: the last sampling probability received from the collector and
// the anonymous device id.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
)

// Keys used by the agent.
const (
	KeySamplingProbability = "sampling-probability"
	KeyDeviceID            = "device-id"
)

// ErrNotFound is returned by Load when no value is stored under a key.
var ErrNotFound = errors.New("persistence: not found")

// SamplingProbability is the value stored under KeySamplingProbability.
// Time is the unix-millisecond timestamp of when the value was received.
type SamplingProbability struct {
	Value float64 `json:"value"`
	Time  int64   `json:"time"`
}

// Store is a key/value store of JSON-encoded values.
type Store interface {
	// Save encodes value and stores it under key, replacing any previous
	// value.
	Save(ctx context.Context, key string, value any) error
	// Load decodes the value stored under key into dst. It returns
	// ErrNotFound if the key is absent.
	Load(ctx context.Context, key string, dst any) error
	Close() error
}

func encode(key string, value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("persistence: encode %q: %w", key, err)
	}
	return b, nil
}

func decode(key string, b []byte, dst any) error {
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("persistence: decode %q: %w", key, err)
	}
	return nil
}

// MemoryStore keeps values in process memory. It is the default when no
// durable store is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, key string, value any) error {
	b, err := encode(key, value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = b
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string, dst any) error {
	m.mu.RLock()
	b, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return decode(key, b, dst)
}

func (m *MemoryStore) Close() error { return nil }
