package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testNowMs = 1700000000000.0

func newTestAggregator(maxKeys int) *Aggregator {
	a := New(60*time.Second, maxKeys)
	a.now = func() float64 { return testNowMs }
	return a
}

func TestTumblingAggregates(t *testing.T) {
	a := newTestAggregator(0)

	for i := 1; i <= 100; i++ {
		a.Add("iot:temperature:device_1", float64(i), testNowMs)
	}

	results := a.FlushTumbling()
	require.Len(t, results, 1)

	r := results[0]
	require.Equal(t, "iot:temperature:device_1", r.Key)
	require.Equal(t, 100, r.Count)
	require.Equal(t, 5050.0, r.Total)
	require.Equal(t, 50.5, r.Avg)
	require.Equal(t, 1.0, r.Min)
	require.Equal(t, 100.0, r.Max)
	require.Equal(t, 99.0, r.P99)
}

func TestFlushResetsTumblingWindows(t *testing.T) {
	a := newTestAggregator(0)

	a.Add("k", 10, testNowMs)
	a.Add("k", 20, testNowMs)

	results := a.FlushTumbling()
	require.Len(t, results, 1)
	require.Equal(t, 2, results[0].Count)

	// The window is empty now, so the next flush reports nothing for it.
	results = a.FlushTumbling()
	require.Empty(t, results)

	// The key itself stays tracked.
	require.Equal(t, []string{"k"}, a.ActiveKeys())
}

func TestSlidingEvictsAgedSamples(t *testing.T) {
	a := newTestAggregator(0)

	// The older sample is still inside the horizon relative to the newer
	// sample's timestamp, so only the wall-clock read evicts it.
	a.Add("k", 1.0, testNowMs-70_000)
	a.Add("k", 2.0, testNowMs-30_000)

	r := a.QuerySliding("k")
	require.NotNil(t, r)
	require.Equal(t, 1, r.Count)
	require.Equal(t, 2.0, r.Avg)
	require.Equal(t, testNowMs-30_000, r.WindowStart)
	require.Equal(t, testNowMs, r.WindowEnd)
}

func TestSlidingEvictionIsStrict(t *testing.T) {
	a := newTestAggregator(0)

	// A sample exactly at the horizon boundary survives.
	a.Add("k", 5.0, testNowMs-60_000)

	r := a.QuerySliding("k")
	require.NotNil(t, r)
	require.Equal(t, 1, r.Count)
}

func TestSlidingSurvivesTumblingFlush(t *testing.T) {
	a := newTestAggregator(0)

	a.Add("k", 1.0, testNowMs-1000)
	a.Add("k", 3.0, testNowMs-500)
	a.FlushTumbling()

	r := a.QuerySliding("k")
	require.NotNil(t, r)
	require.Equal(t, 2, r.Count)
	require.Equal(t, 2.0, r.Avg)
}

func TestQuerySlidingUnknownKey(t *testing.T) {
	a := newTestAggregator(0)
	require.Nil(t, a.QuerySliding("missing"))
}

func TestQuerySlidingAllAgedOut(t *testing.T) {
	a := newTestAggregator(0)
	a.Add("k", 1.0, testNowMs-120_000)
	require.Nil(t, a.QuerySliding("k"))
}

func TestAllSlidingOrdersByKey(t *testing.T) {
	a := newTestAggregator(0)

	a.Add("b", 2.0, testNowMs)
	a.Add("a", 1.0, testNowMs)
	a.Add("c", 3.0, testNowMs)

	results := a.AllSliding()
	require.Len(t, results, 3)
	require.Equal(t, "a", results[0].Key)
	require.Equal(t, "b", results[1].Key)
	require.Equal(t, "c", results[2].Key)
}

func TestP99SmallWindows(t *testing.T) {
	a := newTestAggregator(0)

	a.Add("k", 42.0, testNowMs)
	results := a.FlushTumbling()
	require.Len(t, results, 1)
	require.Equal(t, 42.0, results[0].P99)

	for _, v := range []float64{50, 10, 30, 20, 40} {
		a.Add("k", v, testNowMs)
	}
	results = a.FlushTumbling()
	require.Len(t, results, 1)
	require.Equal(t, 40.0, results[0].P99)
}

func TestKeyCapDropsNewKeys(t *testing.T) {
	a := newTestAggregator(2)

	a.Add("a", 1.0, testNowMs)
	a.Add("b", 2.0, testNowMs)
	a.Add("c", 3.0, testNowMs)

	require.Equal(t, []string{"a", "b"}, a.ActiveKeys())
	require.Equal(t, uint64(1), a.DroppedSamples())

	// Known keys keep accepting samples at the cap.
	a.Add("a", 4.0, testNowMs)
	r := a.QuerySliding("a")
	require.NotNil(t, r)
	require.Equal(t, 2, r.Count)
}
