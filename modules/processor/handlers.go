package processor

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sluiceproject/sluice/pkg/model"
)

// activityRollup is the per-event-type entry kept in the latest-activity
// hash.
type activityRollup struct {
	EventType string  `json:"event_type"`
	Count     int     `json:"count"`
	Timestamp float64 `json:"timestamp"`
}

func (p *Processor) handleSensorRecord(ctx context.Context, rec *kgo.Record) error {
	reading, err := model.UnmarshalSensorReading(rec.Value)
	if err != nil {
		return &decodeFailure{err: err}
	}

	aggKey := "iot:" + reading.SensorType + ":" + reading.DeviceID
	p.agg.Add(aggKey, reading.Value, reading.Timestamp)
	p.trends.Add(aggKey, reading.Timestamp, reading.Value)

	if ev := p.detector.Check(aggKey, reading.Value, reading.Timestamp); ev != nil {
		metricAnomalies.WithLabelValues(ev.Severity).Inc()
		level.Warn(p.logger).Log("msg", "anomaly detected",
			"key", ev.Key, "value", ev.Value, "z_score", ev.ZScore, "severity", ev.Severity)
		if err := p.skipIfCircuitOpen("pushing alert", p.cache.PushAlert(ctx, ev)); err != nil {
			return err
		}
	}

	if err := p.skipIfCircuitOpen("writing raw reading", p.writer.Write(ctx, aggKey, reading.Timestamp, reading)); err != nil {
		return err
	}
	return p.skipIfCircuitOpen("updating latest reading", p.cache.UpdateIoTLatest(ctx, reading.DeviceID, reading))
}

func (p *Processor) handleActivityRecord(ctx context.Context, rec *kgo.Record) error {
	event, err := model.UnmarshalActivityEvent(rec.Value)
	if err != nil {
		return &decodeFailure{err: err}
	}

	// Activity is count-aggregated: every event contributes one unit.
	aggKey := "activity:" + event.EventType
	p.agg.Add(aggKey, 1.0, event.Timestamp)

	if event.EventType == model.EventPurchase && event.Value != nil {
		if err := p.skipIfCircuitOpen("updating leaderboard", p.cache.UpdateLeaderboard(ctx, event.Page, *event.Value)); err != nil {
			return err
		}
	}

	if err := p.skipIfCircuitOpen("writing raw event", p.writer.Write(ctx, aggKey, event.Timestamp, event)); err != nil {
		return err
	}

	// Add and QuerySliding serialize on the engine mutex and run on this
	// goroutine, so the count always includes the event just added.
	count := 0
	if r := p.agg.QuerySliding(aggKey); r != nil {
		count = r.Count
	}
	rollup := activityRollup{EventType: event.EventType, Count: count, Timestamp: event.Timestamp}
	return p.skipIfCircuitOpen("updating latest activity", p.cache.UpdateActivityLatest(ctx, event.EventType, rollup))
}
