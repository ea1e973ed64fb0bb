package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	sqlite, err := OpenSQLite(ctx, filepath.Join(dir, "kiroku.db"), nil)
	require.NoError(t, err)
	badgerStore, err := OpenBadger(filepath.Join(dir, "badger"), nil)
	require.NoError(t, err)

	all := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"badger": badgerStore,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStore_SaveLoad(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var missing SamplingProbability
			assert.ErrorIs(t, s.Load(ctx, KeySamplingProbability, &missing), ErrNotFound)

			require.NoError(t, s.Save(ctx, KeySamplingProbability, SamplingProbability{Value: 0.25, Time: 1000}))
			var got SamplingProbability
			require.NoError(t, s.Load(ctx, KeySamplingProbability, &got))
			assert.Equal(t, SamplingProbability{Value: 0.25, Time: 1000}, got)

			// Overwrite.
			require.NoError(t, s.Save(ctx, KeySamplingProbability, SamplingProbability{Value: 0.5, Time: 2000}))
			require.NoError(t, s.Load(ctx, KeySamplingProbability, &got))
			assert.Equal(t, 0.5, got.Value)

			require.NoError(t, s.Save(ctx, KeyDeviceID, "c0ffee"))
			var id string
			require.NoError(t, s.Load(ctx, KeyDeviceID, &id))
			assert.Equal(t, "c0ffee", id)
		})
	}
}

func TestStore_DecodeError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, KeyDeviceID, "not a struct"))

	var got SamplingProbability
	err := s.Load(ctx, KeyDeviceID, &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStore_EncodeError(t *testing.T) {
	s := NewMemoryStore()
	err := s.Save(context.Background(), "bad", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `persistence: encode "bad"`)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiroku.db")

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, KeyDeviceID, "device-1"))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	var id string
	require.NoError(t, s.Load(ctx, KeyDeviceID, &id))
	assert.Equal(t, "device-1", id)
}

func TestBadgerStore_InMemory(t *testing.T) {
	s, err := OpenBadger("", nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, KeyDeviceID, "mem"))
	var id string
	require.NoError(t, s.Load(ctx, KeyDeviceID, &id))
	assert.Equal(t, "mem", id)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "", "", nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "x.db"), nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, DriverSQLite, "", nil)
	assert.Error(t, err)

	_, err = Open(ctx, "redis", "", nil)
	assert.ErrorContains(t, err, `unknown driver "redis"`)
}
