package sluicedb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestCacheIoTLatest(t *testing.T) {
	c := NewCache(newTestStore(t), log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, c.UpdateIoTLatest(ctx, "device_1", map[string]float64{"value": 21.5}))
	require.NoError(t, c.UpdateIoTLatest(ctx, "device_2", map[string]float64{"value": 55.0}))
	require.NoError(t, c.UpdateIoTLatest(ctx, "device_1", map[string]float64{"value": 23.0}))

	latest, err := c.IoTLatest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.JSONEq(t, `{"value":23}`, string(latest["device_1"]))
	require.JSONEq(t, `{"value":55}`, string(latest["device_2"]))
}

func TestCacheActivityLatest(t *testing.T) {
	c := NewCache(newTestStore(t), log.NewNopLogger())
	ctx := context.Background()

	entry := map[string]interface{}{"event_type": "click", "count": 7, "timestamp": 1000.0}
	require.NoError(t, c.UpdateActivityLatest(ctx, "click", entry))

	latest, err := c.ActivityLatest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.JSONEq(t, `{"event_type":"click","count":7,"timestamp":1000}`, string(latest["click"]))
}

func TestCachePushAlertBoundsList(t *testing.T) {
	c := NewCache(newTestStore(t), log.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < MaxAlerts+5; i++ {
		require.NoError(t, c.PushAlert(ctx, map[string]int{"seq": i}))
	}

	alerts, err := c.Alerts(ctx, MaxAlerts)
	require.NoError(t, err)
	require.Len(t, alerts, MaxAlerts)
	// Newest first; the five oldest fell off the end.
	require.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, MaxAlerts+4), string(alerts[0]))
	require.JSONEq(t, `{"seq":5}`, string(alerts[MaxAlerts-1]))
}

func TestCacheAlertsLimit(t *testing.T) {
	c := NewCache(newTestStore(t), log.NewNopLogger())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.PushAlert(ctx, map[string]int{"seq": i}))
	}

	alerts, err := c.Alerts(ctx, 3)
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	// Zero and out-of-range limits fall back to the list bound.
	alerts, err = c.Alerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 10)
}

func TestCacheLeaderboard(t *testing.T) {
	c := NewCache(newTestStore(t), log.NewNopLogger())
	ctx := context.Background()

	require.NoError(t, c.UpdateLeaderboard(ctx, "/checkout", 99.99))
	require.NoError(t, c.UpdateLeaderboard(ctx, "/products", 10.00))
	require.NoError(t, c.UpdateLeaderboard(ctx, "/checkout", 50.01))

	top, err := c.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []LeaderboardEntry{
		{Page: "/checkout", TotalValue: 150.0},
		{Page: "/products", TotalValue: 10.0},
	}, top)

	top, err = c.Leaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, "/checkout", top[0].Page)
}

func TestCachePublishUpdate(t *testing.T) {
	store := newTestStore(t)
	c := NewCache(store, log.NewNopLogger())
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, ChannelDashboard)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.PublishUpdate(ctx, []byte(`{"type":"window_flush"}`)))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, `{"type":"window_flush"}`, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dashboard update")
	}
}
