package retry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/delivery"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func testWALConfig(t *testing.T) WALConfig {
	t.Helper()
	return WALConfig{
		Dir:            t.TempDir(),
		SyncMode:       SyncNone,
		MaxSegmentRecs: 2,
	}
}

func closeQueue(t *testing.T, q *WALQueue) {
	t.Helper()
	if err := q.Close(); err != nil {
		t.Logf("wal queue close: %v", err)
	}
}

func TestWALQueue_RecoversAfterRestart(t *testing.T) {
	walCfg := testWALConfig(t)
	d := testutil.NewInMemoryDelivery()

	q, err := OpenWALQueue(d, testConfig(), walCfg, testutil.TestLogger())
	require.NoError(t, err)
	q.Add(payload("a"), t0)
	q.Add(payload("b"), t0)
	q.Add(payload("c"), t0)
	require.NoError(t, q.Close())

	q2, err := OpenWALQueue(d, testConfig(), walCfg, testutil.TestLogger())
	require.NoError(t, err)
	defer closeQueue(t, q2)
	assert.Equal(t, 3, q2.Len())

	q2.Flush(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, names(d.Requests()))
}

func TestWALQueue_DeliveredPayloadsAreNotRecovered(t *testing.T) {
	walCfg := testWALConfig(t)
	d := testutil.NewInMemoryDelivery()
	d.Respond(
		delivery.Response{State: delivery.StateSuccess},
		delivery.Response{State: delivery.StateSuccess},
		delivery.Response{State: delivery.StateFailureRetryable},
	)

	q, err := OpenWALQueue(d, testConfig(), walCfg, testutil.TestLogger())
	require.NoError(t, err)
	for _, n := range []string{"a", "b", "c", "d"} {
		q.Add(payload(n), t0)
	}
	q.Flush(context.Background())
	require.Equal(t, 2, q.Len())
	require.NoError(t, q.Close())

	d2 := testutil.NewInMemoryDelivery()
	q2, err := OpenWALQueue(d2, testConfig(), walCfg, testutil.TestLogger())
	require.NoError(t, err)
	defer closeQueue(t, q2)

	q2.Flush(context.Background())
	assert.Equal(t, []string{"c", "d"}, names(d2.Requests()))
}

func TestWALQueue_NewWritesAfterRecoveryDoNotReuseLSNs(t *testing.T) {
	walCfg := testWALConfig(t)
	d := testutil.NewInMemoryDelivery()

	q, err := OpenWALQueue(d, testConfig(), walCfg, nil)
	require.NoError(t, err)
	q.Add(payload("a"), t0)
	require.NoError(t, q.Close())

	q2, err := OpenWALQueue(d, testConfig(), walCfg, nil)
	require.NoError(t, err)
	q2.Add(payload("b"), t0)
	d.Respond(delivery.Response{State: delivery.StateSuccess}, delivery.Response{State: delivery.StateFailureRetryable})
	q2.Flush(context.Background())
	require.NoError(t, q2.Close())

	d3 := testutil.NewInMemoryDelivery()
	q3, err := OpenWALQueue(d3, testConfig(), walCfg, nil)
	require.NoError(t, err)
	defer closeQueue(t, q3)
	q3.Flush(context.Background())
	assert.Equal(t, []string{"b"}, names(d3.Requests()))
}

func TestWALQueue_TrimOnRecovery(t *testing.T) {
	walCfg := testWALConfig(t)
	d := testutil.NewInMemoryDelivery()

	q, err := OpenWALQueue(d, testConfig(), walCfg, nil)
	require.NoError(t, err)
	for _, n := range []string{"a", "b", "c"} {
		q.Add(payload(n), t0)
	}
	require.NoError(t, q.Close())

	cfg := testConfig()
	cfg.MaxPayloads = 1
	q2, err := OpenWALQueue(d, cfg, walCfg, nil)
	require.NoError(t, err)
	defer closeQueue(t, q2)
	q2.Flush(context.Background())
	assert.Equal(t, []string{"c"}, names(d.Requests()))
}

func TestWALQueue_CommittedSegmentsAreDeleted(t *testing.T) {
	walCfg := testWALConfig(t)
	d := testutil.NewInMemoryDelivery()

	q, err := OpenWALQueue(d, testConfig(), walCfg, nil)
	require.NoError(t, err)
	defer closeQueue(t, q)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		q.Add(payload(n), t0)
	}
	before := q.SegmentCount()
	require.Greater(t, before, 1)

	q.Flush(context.Background())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, q.SegmentCount(), "only the active segment remains")
}

func TestWALQueue_TornTailIsIgnored(t *testing.T) {
	walCfg := testWALConfig(t)
	walCfg.MaxSegmentRecs = 100
	d := testutil.NewInMemoryDelivery()

	q, err := OpenWALQueue(d, testConfig(), walCfg, nil)
	require.NoError(t, err)
	q.Add(payload("a"), t0)
	q.Add(payload("b"), t0)
	require.NoError(t, q.Close())

	segs, err := filepath.Glob(filepath.Join(walCfg.Dir, "*.wal"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	last := segs[len(segs)-1]
	info, err := os.Stat(last)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(last, info.Size()-3))

	q2, err := OpenWALQueue(d, testConfig(), walCfg, testutil.TestLogger())
	require.NoError(t, err)
	defer closeQueue(t, q2)
	assert.Equal(t, 1, q2.Len())
}

func TestWALQueue_InvalidConfig(t *testing.T) {
	_, err := OpenWALQueue(testutil.NewInMemoryDelivery(), testConfig(), WALConfig{}, nil)
	assert.Error(t, err)

	_, err = OpenWALQueue(testutil.NewInMemoryDelivery(), testConfig(), WALConfig{Dir: t.TempDir(), SyncMode: "sometimes"}, nil)
	assert.ErrorContains(t, err, "invalid sync mode")
}

func TestWALQueue_BatchSyncMode(t *testing.T) {
	walCfg := testWALConfig(t)
	walCfg.SyncMode = SyncBatch
	q, err := OpenWALQueue(testutil.NewInMemoryDelivery(), testConfig(), walCfg, nil)
	require.NoError(t, err)
	q.Add(payload("a"), t0)
	require.NoError(t, q.Close())
}
