package sluicedb

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/sluiceproject/sluice/sluicedb/kv"
)

func newTestStore(t *testing.T) kv.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore(kv.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWriterConfig() Config {
	return Config{PipelineBatch: 50, RetentionMS: 86_400_000}
}

func TestWriterFlushPersistsPoints(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store, testWriterConfig(), log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, "iot:device_1", 1000, map[string]float64{"value": 21.5}))
	require.NoError(t, w.Write(ctx, "iot:device_1", 2000, map[string]float64{"value": 22.5}))
	require.Equal(t, 2, w.Pending())

	require.NoError(t, w.Flush(ctx))
	require.Equal(t, 0, w.Pending())

	points, err := NewReader(store).GetRange(ctx, "iot:device_1", 0, 5000, 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, 21.5, points[0]["value"])
	require.Equal(t, float64(1000), points[0]["_timestamp"])
	require.Equal(t, 22.5, points[1]["value"])
}

func TestWriterImplicitFlushAtBatchSize(t *testing.T) {
	store := newTestStore(t)
	cfg := testWriterConfig()
	cfg.PipelineBatch = 3
	w := NewWriter(store, cfg, log.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(ctx, "k", float64(1000+i), map[string]int{"i": i}))
	}
	// The third write crossed the batch size and flushed in-line.
	require.Equal(t, 0, w.Pending())

	points, err := NewReader(store).GetRange(ctx, "k", 0, 5000, 0)
	require.NoError(t, err)
	require.Len(t, points, 3)
}

func TestWriterTrimsToRetention(t *testing.T) {
	store := newTestStore(t)
	cfg := testWriterConfig()
	cfg.RetentionMS = 1000
	w := NewWriter(store, cfg, log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, "k", 500, map[string]string{"v": "old"}))
	require.NoError(t, w.Write(ctx, "k", 1000, map[string]string{"v": "edge"}))
	require.NoError(t, w.Write(ctx, "k", 2000, map[string]string{"v": "new"}))
	require.NoError(t, w.Flush(ctx))

	// Horizon is maxTs-retention = 1000; the point sitting exactly on it
	// survives, anything strictly older is gone.
	points, err := NewReader(store).GetRange(ctx, "k", 0, 5000, 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "edge", points[0]["v"])
	require.Equal(t, "new", points[1]["v"])
}

func TestWriterFlushEmptyBufferIsNoop(t *testing.T) {
	w := NewWriter(newTestStore(t), testWriterConfig(), log.NewNopLogger())
	require.NoError(t, w.Flush(context.Background()))
}

func TestWriterKeepsBufferOnFailedFlush(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore(kv.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	w := NewWriter(store, testWriterConfig(), log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, "k", 1000, map[string]string{"v": "x"}))
	mr.Close()
	require.Error(t, w.Flush(ctx))
	require.Equal(t, 1, w.Pending())
}

func TestReaderDownsamplesByStride(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store, testWriterConfig(), log.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Write(ctx, "k", float64(1000+i), map[string]int{"i": i}))
	}
	require.NoError(t, w.Flush(ctx))

	points, err := NewReader(store).GetRange(ctx, "k", 0, 5000, 3)
	require.NoError(t, err)
	// Stride 10/3 = 3 keeps indices 0, 3, 6, 9.
	require.Len(t, points, 4)
	require.Equal(t, float64(1000), points[0]["_timestamp"])
	require.Equal(t, float64(1003), points[1]["_timestamp"])
	require.Equal(t, float64(1006), points[2]["_timestamp"])
	require.Equal(t, float64(1009), points[3]["_timestamp"])
}

func TestReaderGetLatest(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store, testWriterConfig(), log.NewNopLogger())
	ctx := context.Background()

	latest, err := NewReader(store).GetLatest(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, latest)

	require.NoError(t, w.Write(ctx, "k", 1000, map[string]string{"v": "a"}))
	require.NoError(t, w.Write(ctx, "k", 3000, map[string]string{"v": "c"}))
	require.NoError(t, w.Write(ctx, "k", 2000, map[string]string{"v": "b"}))
	require.NoError(t, w.Flush(ctx))

	latest, err = NewReader(store).GetLatest(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "c", latest["v"])
	require.Equal(t, float64(3000), latest["_timestamp"])
}
