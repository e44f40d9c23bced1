package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sluiceproject/sluice/pkg/ingest"
	"github.com/sluiceproject/sluice/pkg/model"
	"github.com/sluiceproject/sluice/sluicedb"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

func newTestProcessor(t *testing.T) (*Processor, kv.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := kv.NewRedisStore(kv.Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{
		TumblingWindow:    10 * time.Second,
		SlidingWindow:     60 * time.Second,
		AnomalyZThreshold: 3.0,
		AnomalyWindowSize: 100,
		TrendWindowSize:   60,
	}
	ingestCfg := ingest.Config{
		BootstrapServers: "localhost:9092",
		ConsumerGroup:    "test",
		AutoOffsetReset:  ingest.ResetLatest,
		MaxPollRecords:   500,
		TopicIoT:         "iot.sensors.raw",
		TopicActivity:    "activity.events.raw",
		TopicDLQ:         "pipeline.dlq",
	}
	storeCfg := sluicedb.Config{PipelineBatch: 1000, RetentionMS: 86_400_000}

	p, err := New(cfg, ingestCfg, store, storeCfg, log.NewNopLogger())
	require.NoError(t, err)
	return p, store
}

func nowMs() float64 {
	return float64(time.Now().UnixMilli())
}

func sensorRecord(t *testing.T, deviceID string, value, tsMs float64) *kgo.Record {
	t.Helper()

	data, err := model.MarshalSensorReading(&model.SensorReading{
		DeviceID:   deviceID,
		SensorType: model.SensorTemperature,
		Value:      value,
		Unit:       "celsius",
		Timestamp:  tsMs,
		Location:   "factory_a",
	})
	require.NoError(t, err)
	return &kgo.Record{Topic: "iot.sensors.raw", Key: []byte(deviceID), Value: data}
}

func activityRecord(t *testing.T, eventType, page string, value *float64, tsMs float64) *kgo.Record {
	t.Helper()

	data, err := model.MarshalActivityEvent(&model.ActivityEvent{
		SessionID: "session_1",
		UserID:    "user_1",
		EventType: eventType,
		Page:      page,
		Value:     value,
		Timestamp: tsMs,
	})
	require.NoError(t, err)
	return &kgo.Record{Topic: "activity.events.raw", Key: []byte("user_1"), Value: data}
}

func TestHandleSensorRecord(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.handleSensorRecord(ctx, sensorRecord(t, "device_1", 21.5, nowMs())))

	r := p.agg.QuerySliding("iot:temperature:device_1")
	require.NotNil(t, r)
	require.Equal(t, 1, r.Count)
	require.Equal(t, 21.5, r.Avg)

	// Raw reading queued for the next pipelined flush.
	require.Equal(t, 1, p.writer.Pending())

	latest, err := p.cache.IoTLatest(ctx)
	require.NoError(t, err)
	require.Contains(t, latest, "device_1")
}

func TestHandleActivityPurchase(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	amount := 49.99
	require.NoError(t, p.handleActivityRecord(ctx, activityRecord(t, model.EventPurchase, "/checkout", &amount, nowMs())))
	require.NoError(t, p.handleActivityRecord(ctx, activityRecord(t, model.EventPurchase, "/checkout", &amount, nowMs())))

	top, err := p.cache.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, "/checkout", top[0].Page)
	require.InDelta(t, 99.98, top[0].TotalValue, 1e-9)

	// The rollup count reflects the sliding window including the event
	// just handled.
	latest, err := p.cache.ActivityLatest(ctx)
	require.NoError(t, err)
	var rollup activityRollup
	require.NoError(t, json.Unmarshal(latest[model.EventPurchase], &rollup))
	require.Equal(t, model.EventPurchase, rollup.EventType)
	require.Equal(t, 2, rollup.Count)
}

func TestHandleSensorAnomalyPushesAlert(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	base := nowMs()
	for i := 0; i < 40; i++ {
		require.NoError(t, p.handleSensorRecord(ctx, sensorRecord(t, "device_1", 20.0, base+float64(i))))
	}
	require.NoError(t, p.handleSensorRecord(ctx, sensorRecord(t, "device_1", 200.0, base+40)))

	alerts, err := p.cache.Alerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(alerts[0], &ev))
	require.Equal(t, "iot:temperature:device_1", ev["key"])
	require.Equal(t, "critical", ev["severity"])
}

type capturedSend struct {
	rec     *kgo.Record
	errType string
	cause   error
}

type capturingDLQ struct {
	mtx  sync.Mutex
	sent []capturedSend
}

func (d *capturingDLQ) Send(_ context.Context, rec *kgo.Record, errType string, cause error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.sent = append(d.sent, capturedSend{rec: rec, errType: errType, cause: cause})
}

func TestProcessRecordDeadLettersDecodeFailures(t *testing.T) {
	p, _ := newTestProcessor(t)
	dlq := &capturingDLQ{}
	p.dlq = dlq

	rec := &kgo.Record{Topic: "iot.sensors.raw", Value: []byte("not msgpack")}
	p.processRecord(context.Background(), rec)

	require.Len(t, dlq.sent, 1)
	require.Equal(t, "decode_error", dlq.sent[0].errType)
	require.Same(t, rec, dlq.sent[0].rec)
}

func TestProcessRecordDeadLettersHandlerFailures(t *testing.T) {
	p, _ := newTestProcessor(t)
	dlq := &capturingDLQ{}
	p.dlq = dlq

	boom := errors.New("downstream exploded")
	p.handlers["iot.sensors.raw"] = func(context.Context, *kgo.Record) error { return boom }

	p.processRecord(context.Background(), &kgo.Record{Topic: "iot.sensors.raw", Value: []byte("x")})

	require.Len(t, dlq.sent, 1)
	require.Equal(t, "handler_error", dlq.sent[0].errType)
	require.ErrorIs(t, dlq.sent[0].cause, boom)
}

func TestProcessRecordContinuesAfterFailure(t *testing.T) {
	p, _ := newTestProcessor(t)
	dlq := &capturingDLQ{}
	p.dlq = dlq
	ctx := context.Background()

	p.processRecord(ctx, &kgo.Record{Topic: "iot.sensors.raw", Value: []byte("garbage")})
	p.processRecord(ctx, sensorRecord(t, "device_1", 21.5, nowMs()))

	require.Len(t, dlq.sent, 1)
	require.NotNil(t, p.agg.QuerySliding("iot:temperature:device_1"))
}

func TestFlushTickPublishesSnapshotAndResetsTumbling(t *testing.T) {
	p, store := newTestProcessor(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, sluicedb.ChannelDashboard)
	require.NoError(t, err)
	defer sub.Close()

	base := nowMs()
	for i, v := range []float64{10, 20, 30, 40, 50} {
		require.NoError(t, p.handleSensorRecord(ctx, sensorRecord(t, "device_1", v, base+float64(i))))
	}

	require.NoError(t, p.flushTick(ctx))
	require.Equal(t, 0, p.writer.Pending())

	var snap snapshot
	select {
	case msg := <-sub.Messages():
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &snap))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	require.Equal(t, "window_flush", snap.Type)
	require.Len(t, snap.Tumbling, 1)
	require.Equal(t, tumblingEntry{
		Key:   "iot:temperature:device_1",
		Count: 5,
		Avg:   30,
		Min:   10,
		Max:   50,
		P99:   40,
	}, snap.Tumbling[0])
	require.Len(t, snap.Sliding, 1)
	require.Equal(t, 5, snap.Sliding[0].Count)

	// The tumbling window reset with the flush; the sliding window did not.
	require.NoError(t, p.flushTick(ctx))
	select {
	case msg := <-sub.Messages():
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &snap))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second snapshot")
	}
	require.Empty(t, snap.Tumbling)
	require.Len(t, snap.Sliding, 1)
}
