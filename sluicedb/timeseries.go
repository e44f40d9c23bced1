package sluicedb

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sluiceproject/sluice/sluicedb/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const tsKeyPrefix = "ts:"

var (
	metricTSFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Name:      "ts_writer_flushes_total",
		Help:      "Total number of pipelined time-series flushes.",
	})
	metricTSFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Name:      "ts_writer_flush_failures_total",
		Help:      "Total number of failed time-series flushes.",
	})
	metricTSRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Name:      "ts_writer_records_total",
		Help:      "Total number of time-series points written.",
	})
)

// Writer buffers time-series points and writes them in pipelined round
// trips, trimming every touched series to the retention horizon. Safe for
// concurrent use.
type Writer struct {
	mtx       sync.Mutex
	store     kv.Store
	batchSize int
	retention float64
	pending   []tsEntry
	logger    log.Logger
}

type tsEntry struct {
	key  string
	ts   float64
	data string
}

func NewWriter(store kv.Store, cfg Config, logger log.Logger) *Writer {
	return &Writer{
		store:     store,
		batchSize: cfg.PipelineBatch,
		retention: float64(cfg.RetentionMS),
		logger:    log.With(logger, "component", "ts_writer"),
	}
}

// Write queues one record under key at tsMs. Once the buffer reaches the
// batch size it is flushed in-line.
func (w *Writer) Write(ctx context.Context, key string, tsMs float64, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "encoding time-series record")
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.pending = append(w.pending, tsEntry{key: key, ts: tsMs, data: string(data)})
	if len(w.pending) >= w.batchSize {
		return w.flushLocked(ctx)
	}
	return nil
}

// Flush writes the buffered points now. On failure the buffer is kept so
// the points ride along with the next attempt.
func (w *Writer) Flush(ctx context.Context) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.flushLocked(ctx)
}

// Pending reports the number of buffered points.
func (w *Writer) Pending() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.pending)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	pipe := w.store.Pipeline()
	maxTs := 0.0
	keys := make(map[string]struct{}, len(w.pending))
	for _, e := range w.pending {
		pipe.ZAdd(tsKeyPrefix+e.key, e.ts, e.data)
		keys[e.key] = struct{}{}
		if e.ts > maxTs {
			maxTs = e.ts
		}
	}

	// Trim every touched series against the newest timestamp in the batch.
	// The paren keeps a point sitting exactly on the horizon.
	cutoff := "(" + formatScore(maxTs-w.retention)
	for key := range keys {
		pipe.ZRemRangeByScore(tsKeyPrefix+key, "-inf", cutoff)
	}

	if err := pipe.Exec(ctx); err != nil {
		metricTSFlushFailures.Inc()
		return errors.Wrap(err, "flushing time-series batch")
	}

	metricTSFlushes.Inc()
	metricTSRecords.Add(float64(len(w.pending)))
	level.Debug(w.logger).Log("msg", "flushed time-series batch", "points", len(w.pending), "series", len(keys))
	w.pending = w.pending[:0]
	return nil
}

// Reader answers range and latest-point queries over stored series.
type Reader struct {
	store kv.Store
}

func NewReader(store kv.Store) *Reader {
	return &Reader{store: store}
}

// Point is one stored record annotated with its score timestamp.
type Point map[string]interface{}

// GetRange returns the records with timestamps in [startMs, endMs]. When
// more than maxPoints match, the result is downsampled by stride.
func (r *Reader) GetRange(ctx context.Context, key string, startMs, endMs float64, maxPoints int) ([]Point, error) {
	members, err := r.store.ZRangeByScoreWithScores(ctx, tsKeyPrefix+key, formatScore(startMs), formatScore(endMs))
	if err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(members))
	for _, m := range members {
		var p Point
		if err := json.Unmarshal([]byte(m.Member), &p); err != nil {
			return nil, errors.Wrap(err, "decoding time-series record")
		}
		p["_timestamp"] = m.Score
		points = append(points, p)
	}

	if maxPoints > 0 && len(points) > maxPoints {
		step := len(points) / maxPoints
		sampled := make([]Point, 0, maxPoints+1)
		for i := 0; i < len(points); i += step {
			sampled = append(sampled, points[i])
		}
		points = sampled
	}
	return points, nil
}

// GetLatest returns the newest record for key, or nil when the series is
// empty.
func (r *Reader) GetLatest(ctx context.Context, key string) (Point, error) {
	members, err := r.store.ZRevRangeWithScores(ctx, tsKeyPrefix+key, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	var p Point
	if err := json.Unmarshal([]byte(members[0].Member), &p); err != nil {
		return nil, errors.Wrap(err, "decoding time-series record")
	}
	p["_timestamp"] = members[0].Score
	return p, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
