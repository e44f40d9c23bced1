package sluicedb

import (
	"context"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/sluicedb/kv"
)

// Storage keys of the dashboard views.
const (
	keyIoTLatest      = "metrics:iot:latest"
	keyActivityLatest = "metrics:activity:latest"
	keyAlerts         = "alerts:anomalies"
	keyLeaderboard    = "rank:activity:purchases"
)

// ChannelDashboard carries the flush snapshots to broadcast bridges.
const ChannelDashboard = "channel:dashboard_updates"

// MaxAlerts bounds the anomaly alert list.
const MaxAlerts = 100

// Cache maintains the latest-value views the dashboard reads.
type Cache struct {
	store  kv.Store
	logger log.Logger
}

func NewCache(store kv.Store, logger log.Logger) *Cache {
	return &Cache{
		store:  store,
		logger: log.With(logger, "component", "cache"),
	}
}

// UpdateIoTLatest stores the most recent reading for a device.
func (c *Cache) UpdateIoTLatest(ctx context.Context, deviceID string, reading interface{}) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return errors.Wrap(err, "encoding latest reading")
	}
	return c.store.HSet(ctx, keyIoTLatest, deviceID, string(data))
}

// IoTLatest returns the most recent reading per device.
func (c *Cache) IoTLatest(ctx context.Context) (map[string]jsoniter.RawMessage, error) {
	return c.latest(ctx, keyIoTLatest)
}

// UpdateActivityLatest stores the most recent rollup for an event type.
func (c *Cache) UpdateActivityLatest(ctx context.Context, eventType string, entry interface{}) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encoding latest activity")
	}
	return c.store.HSet(ctx, keyActivityLatest, eventType, string(data))
}

// ActivityLatest returns the most recent rollup per event type.
func (c *Cache) ActivityLatest(ctx context.Context) (map[string]jsoniter.RawMessage, error) {
	return c.latest(ctx, keyActivityLatest)
}

func (c *Cache) latest(ctx context.Context, key string) (map[string]jsoniter.RawMessage, error) {
	fields, err := c.store.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]jsoniter.RawMessage, len(fields))
	for field, value := range fields {
		out[field] = jsoniter.RawMessage(value)
	}
	return out, nil
}

// PushAlert prepends an alert and trims the list to its bound in one round
// trip.
func (c *Cache) PushAlert(ctx context.Context, alert interface{}) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "encoding alert")
	}
	pipe := c.store.Pipeline()
	pipe.LPush(keyAlerts, string(data))
	pipe.LTrim(keyAlerts, 0, MaxAlerts-1)
	return pipe.Exec(ctx)
}

// Alerts returns up to limit alerts, newest first.
func (c *Cache) Alerts(ctx context.Context, limit int) ([]jsoniter.RawMessage, error) {
	if limit <= 0 || limit > MaxAlerts {
		limit = MaxAlerts
	}
	values, err := c.store.LRange(ctx, keyAlerts, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	out := make([]jsoniter.RawMessage, 0, len(values))
	for _, v := range values {
		out = append(out, jsoniter.RawMessage(v))
	}
	return out, nil
}

// UpdateLeaderboard adds amount to the page's running purchase total.
func (c *Cache) UpdateLeaderboard(ctx context.Context, page string, amount float64) error {
	_, err := c.store.ZIncrBy(ctx, keyLeaderboard, amount, page)
	return err
}

// LeaderboardEntry is one page with its accumulated purchase value.
type LeaderboardEntry struct {
	Page       string  `json:"page"`
	TotalValue float64 `json:"total_value"`
}

// Leaderboard returns the top pages by accumulated purchase value.
func (c *Cache) Leaderboard(ctx context.Context, topN int) ([]LeaderboardEntry, error) {
	if topN <= 0 {
		topN = 10
	}
	members, err := c.store.ZRevRangeWithScores(ctx, keyLeaderboard, 0, int64(topN-1))
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, 0, len(members))
	for _, m := range members {
		out = append(out, LeaderboardEntry{Page: m.Member, TotalValue: m.Score})
	}
	return out, nil
}

// PublishUpdate broadcasts a snapshot on the dashboard channel.
func (c *Cache) PublishUpdate(ctx context.Context, payload []byte) error {
	return c.store.Publish(ctx, ChannelDashboard, string(payload))
}
