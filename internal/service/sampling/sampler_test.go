package sampling

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/persistence"
	"github.com/ashita-ai/kiroku/internal/span"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func TestSample_Boundaries(t *testing.T) {
	tests := []struct {
		name string
		p    float64
		rate uint32
		keep bool
	}{
		{"p=0 rate=0", 0, 0, false},
		{"p=0 rate=max", 0, math.MaxUint32, false},
		{"p=1 rate=0", 1, 0, true},
		{"p=1 rate=max", 1, math.MaxUint32, true},
		{"p=0.5 below half", 0.5, 0x7fffffff, true},
		{"p=0.5 at half", 0.5, 0x80000000, false},
		{"p=0.14 keeps 0x1b45e508", 0.14, 0x1b45e508, true},
		{"p=0.14 drops 0x26264444", 0.14, 0x26264444, false},
		{"negative clamps to 0", -3, 0, false},
		{"above one clamps to 1", 7, math.MaxUint32, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.p, nil, nil)
			assert.Equal(t, tt.keep, s.Sample(tt.rate))
		})
	}
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, uint64(0), Threshold(0))
	assert.Equal(t, uint64(1<<31), Threshold(0.5))
	assert.Equal(t, uint64(1<<32), Threshold(1))
	assert.Equal(t, uint64(0), Threshold(-0.1))
}

func TestDecide_UsesTraceRate(t *testing.T) {
	s := New(0.14, nil, nil)
	kept := span.Ended{SamplingRate: span.SamplingRate("7eb23db1d1456caa839b662f3729d23c")}
	dropped := span.Ended{SamplingRate: span.SamplingRate("a0b1c2d3e4f5a0b1c2d3e4f5a0b1c2d3")}
	assert.True(t, s.Decide(kept))
	assert.False(t, s.Decide(dropped))
}

func TestNew_NaNDefaultsToOne(t *testing.T) {
	s := New(math.NaN(), nil, nil)
	assert.Equal(t, 1.0, s.Probability())
}

func TestUpdate_PersistsInBackground(t *testing.T) {
	store := persistence.NewMemoryStore()
	s := New(1, store, nil)
	at := time.UnixMilli(1_700_000_000_000)

	s.Update(0.25, at)
	assert.Equal(t, 0.25, s.Probability())
	s.Wait()

	var got persistence.SamplingProbability
	require.NoError(t, store.Load(context.Background(), persistence.KeySamplingProbability, &got))
	assert.Equal(t, persistence.SamplingProbability{Value: 0.25, Time: 1_700_000_000_000}, got)
}

func TestUpdate_IgnoresNaN(t *testing.T) {
	store := persistence.NewMemoryStore()
	s := New(0.5, store, nil)

	s.Update(math.NaN(), time.Now())
	s.Wait()

	assert.Equal(t, 0.5, s.Probability())
	var got persistence.SamplingProbability
	assert.ErrorIs(t, store.Load(context.Background(), persistence.KeySamplingProbability, &got), persistence.ErrNotFound)
}

func TestUpdate_ClampsBeforePersisting(t *testing.T) {
	store := persistence.NewMemoryStore()
	s := New(0.5, store, nil)
	s.Update(2, time.UnixMilli(0))
	s.Wait()

	var got persistence.SamplingProbability
	require.NoError(t, store.Load(context.Background(), persistence.KeySamplingProbability, &got))
	assert.Equal(t, 1.0, got.Value)
}

// gatedStore blocks its first Save until release is closed.
type gatedStore struct {
	*persistence.MemoryStore
	started chan struct{}
	release chan struct{}
	saves   atomic.Int32
}

func (g *gatedStore) Save(ctx context.Context, key string, value any) error {
	if g.saves.Add(1) == 1 {
		close(g.started)
		<-g.release
	}
	return g.MemoryStore.Save(ctx, key, value)
}

func TestUpdate_LastWriteWinsWithSlowStore(t *testing.T) {
	store := &gatedStore{
		MemoryStore: persistence.NewMemoryStore(),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	s := New(1, store, nil)

	s.Update(0.25, time.UnixMilli(1000))
	<-store.started
	s.Update(0.5, time.UnixMilli(1500))
	s.Update(0.75, time.UnixMilli(2000))
	close(store.release)
	s.Wait()

	assert.Equal(t, 0.75, s.Probability())
	var got persistence.SamplingProbability
	require.NoError(t, store.Load(context.Background(), persistence.KeySamplingProbability, &got))
	assert.Equal(t, persistence.SamplingProbability{Value: 0.75, Time: 2000}, got)
	assert.Equal(t, int32(2), store.saves.Load(), "superseded values are not written")
}

type failingStore struct {
	*persistence.MemoryStore
	saves atomic.Int32
}

func (f *failingStore) Save(context.Context, string, any) error {
	f.saves.Add(1)
	return errors.New("disk full")
}

func TestUpdate_SaveFailureKeepsInMemoryValue(t *testing.T) {
	store := &failingStore{MemoryStore: persistence.NewMemoryStore()}
	logger, rec := testutil.NewRecordingLogger()
	s := New(1, store, logger)

	s.Update(0.3, time.UnixMilli(1000))
	s.Wait()

	assert.Equal(t, 0.3, s.Probability())
	assert.Equal(t, int32(1), store.saves.Load(), "failed writes are not retried")
	assert.Contains(t, rec.Messages(slog.LevelWarn), "sampling: persist probability")
}

func TestRestore(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name   string
		stored *persistence.SamplingProbability
		want   float64
		ok     bool
	}{
		{"nothing stored", nil, 0, false},
		{"fresh", &persistence.SamplingProbability{Value: 0.3, Time: now.Add(-time.Hour).UnixMilli()}, 0.3, true},
		{"exactly one day old", &persistence.SamplingProbability{Value: 0.3, Time: now.Add(-24 * time.Hour).UnixMilli()}, 0.3, true},
		{"expired", &persistence.SamplingProbability{Value: 0.3, Time: now.Add(-25 * time.Hour).UnixMilli()}, 0, false},
		{"out of range", &persistence.SamplingProbability{Value: 1.5, Time: now.UnixMilli()}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := persistence.NewMemoryStore()
			if tt.stored != nil {
				require.NoError(t, store.Save(ctx, persistence.KeySamplingProbability, *tt.stored))
			}
			p, ok := Restore(ctx, store, now, nil)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestRestore_NilStore(t *testing.T) {
	_, ok := Restore(context.Background(), nil, time.Now(), nil)
	assert.False(t, ok)
}
