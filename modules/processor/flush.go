package processor

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sluiceproject/sluice/pkg/trend"
	"github.com/sluiceproject/sluice/pkg/util"
	"github.com/sluiceproject/sluice/pkg/window"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "flushes_total",
		Help:      "Total number of window flush ticks.",
	})
	metricFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "flush_failures_total",
		Help:      "Total number of flush ticks that failed.",
	})
	metricFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "flush_duration_seconds",
		Help:      "Time taken by one window flush tick.",
		Buckets:   prometheus.DefBuckets,
	})
)

// flushLoop wakes at the tumbling interval until the processor stops.
// Tick failures are logged and swallowed so one bad round trip never kills
// the loop.
func (p *Processor) flushLoop() {
	defer p.flushWG.Done()

	ticker := time.NewTicker(p.cfg.TumblingWindow)
	defer ticker.Stop()

	for {
		select {
		case <-p.flushStop:
			return
		case <-ticker.C:
			start := time.Now()
			if err := p.flushTick(context.Background()); err != nil {
				metricFlushFailures.Inc()
				level.Error(p.logger).Log("msg", "flush tick failed", "err", err)
				continue
			}
			metricFlushes.Inc()
			metricFlushDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// flushTick flushes tumbling windows, samples sliding windows and trends,
// pushes pending time-series writes and publishes the snapshot.
func (p *Processor) flushTick(ctx context.Context) error {
	tumbling := p.agg.FlushTumbling()
	sliding := p.agg.AllSliding()
	trends := p.trends.AllTrends()

	metricEngineKeysDropped.Set(float64(
		p.agg.DroppedSamples() + p.detector.DroppedSamples() + p.trends.DroppedSamples()))

	if err := p.writer.Flush(ctx); err != nil {
		return errors.Wrap(err, "flushing time-series writes")
	}

	data, err := json.Marshal(newSnapshot(tumbling, sliding, trends))
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := p.cache.PublishUpdate(ctx, data); err != nil {
		return errors.Wrap(err, "publishing snapshot")
	}

	level.Debug(p.logger).Log("msg", "window flush complete",
		"tumbling", len(tumbling), "sliding", len(sliding), "trends", len(trends))
	return nil
}

type snapshot struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Tumbling  []tumblingEntry `json:"tumbling"`
	Sliding   []slidingEntry  `json:"sliding"`
	Trends    []trendEntry    `json:"trends"`
}

type tumblingEntry struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P99   float64 `json:"p99"`
}

type slidingEntry struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type trendEntry struct {
	Key        string  `json:"key"`
	Direction  string  `json:"direction"`
	Slope      float64 `json:"slope"`
	Confidence float64 `json:"confidence"`
}

func newSnapshot(tumbling, sliding []window.Result, trends []trend.Result) snapshot {
	s := snapshot{
		Type:      "window_flush",
		Timestamp: float64(time.Now().UnixMilli()),
		Tumbling:  make([]tumblingEntry, 0, len(tumbling)),
		Sliding:   make([]slidingEntry, 0, len(sliding)),
		Trends:    make([]trendEntry, 0, len(trends)),
	}
	for _, r := range tumbling {
		s.Tumbling = append(s.Tumbling, tumblingEntry{
			Key:   r.Key,
			Count: r.Count,
			Avg:   util.RoundTo(r.Avg, 3),
			Min:   util.RoundTo(r.Min, 3),
			Max:   util.RoundTo(r.Max, 3),
			P99:   util.RoundTo(r.P99, 3),
		})
	}
	for _, r := range sliding {
		s.Sliding = append(s.Sliding, slidingEntry{
			Key:   r.Key,
			Count: r.Count,
			Avg:   util.RoundTo(r.Avg, 3),
			Min:   util.RoundTo(r.Min, 3),
			Max:   util.RoundTo(r.Max, 3),
		})
	}
	for _, r := range trends {
		s.Trends = append(s.Trends, trendEntry{
			Key:        r.Key,
			Direction:  r.Direction,
			Slope:      r.Slope,
			Confidence: r.Confidence,
		})
	}
	return s
}
