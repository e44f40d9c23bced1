package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sluiceproject/sluice/pkg/anomaly"
	"github.com/sluiceproject/sluice/pkg/ingest"
	"github.com/sluiceproject/sluice/pkg/trend"
	"github.com/sluiceproject/sluice/pkg/window"
	"github.com/sluiceproject/sluice/sluicedb"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

var (
	metricRecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "records_processed_total",
		Help:      "Total number of records handled successfully.",
	}, []string{"topic"})
	metricRecordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "records_failed_total",
		Help:      "Total number of records routed to the dead-letter topic.",
	}, []string{"topic"})
	metricCommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "commit_failures_total",
		Help:      "Total number of offset commits that failed.",
	})
	metricAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "anomalies_total",
		Help:      "Total number of anomaly events emitted.",
	}, []string{"severity"})
	metricEngineKeysDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sluice",
		Subsystem: "processor",
		Name:      "engine_dropped_samples",
		Help:      "Samples dropped because the per-engine key cap was reached.",
	})
)

// deadLetter is the sink for records that could not be processed.
type deadLetter interface {
	Send(ctx context.Context, rec *kgo.Record, errType string, cause error)
}

type handlerFn func(ctx context.Context, rec *kgo.Record) error

// Processor consumes the raw topics, runs every record through the engines
// and keeps the storage views current. A background loop flushes windows
// and publishes snapshots at the tumbling interval.
type Processor struct {
	services.Service

	cfg       Config
	ingestCfg ingest.Config
	logger    log.Logger

	reader *kgo.Client
	dlq    deadLetter

	agg      *window.Aggregator
	detector *anomaly.Detector
	trends   *trend.Analyzer

	writer *sluicedb.Writer
	cache  *sluicedb.Cache

	handlers map[string]handlerFn

	flushStop chan struct{}
	flushWG   sync.WaitGroup
}

// New wires the engines and storage facades. The bus clients connect when
// the service starts.
func New(cfg Config, ingestCfg ingest.Config, store kv.Store, storeCfg sluicedb.Config, logger log.Logger) (*Processor, error) {
	if err := ingestCfg.Validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:       cfg,
		ingestCfg: ingestCfg,
		logger:    log.With(logger, "component", "processor"),
		agg:       window.New(cfg.SlidingWindow, cfg.MaxTrackedKeys),
		detector:  anomaly.New(cfg.AnomalyZThreshold, cfg.AnomalyWindowSize, cfg.MaxTrackedKeys),
		trends:    trend.New(cfg.TrendWindowSize, cfg.MaxTrackedKeys),
		writer:    sluicedb.NewWriter(store, storeCfg, logger),
		cache:     sluicedb.NewCache(store, logger),
		flushStop: make(chan struct{}),
	}
	p.handlers = map[string]handlerFn{
		ingestCfg.TopicIoT:      p.handleSensorRecord,
		ingestCfg.TopicActivity: p.handleActivityRecord,
	}

	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)
	return p, nil
}

func (p *Processor) starting(ctx context.Context) error {
	reader, err := ingest.NewReaderClient(p.ingestCfg, ingest.NewReaderClientMetrics(prometheus.DefaultRegisterer), p.logger)
	if err != nil {
		return err
	}
	p.reader = reader

	if err := ingest.EnsureTopics(ctx, reader, 1, p.ingestCfg.TopicIoT, p.ingestCfg.TopicActivity, p.ingestCfg.TopicDLQ); err != nil {
		level.Warn(p.logger).Log("msg", "topic bootstrap failed, relying on broker auto-creation", "err", err)
	}

	dlqClient, err := ingest.NewWriterClient(p.ingestCfg, ingest.NewWriterClientMetrics(prometheus.DefaultRegisterer), p.logger)
	if err != nil {
		reader.Close()
		return err
	}
	p.dlq = ingest.NewDLQ(dlqClient, p.ingestCfg.TopicDLQ, p.logger)

	return nil
}

func (p *Processor) running(ctx context.Context) error {
	p.flushWG.Add(1)
	go p.flushLoop()

	level.Info(p.logger).Log("msg", "processor running",
		"group", p.ingestCfg.ConsumerGroup,
		"topics", p.ingestCfg.TopicIoT+","+p.ingestCfg.TopicActivity)

	for ctx.Err() == nil {
		fetches := p.reader.PollRecords(ctx, p.ingestCfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := fetches.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				level.Error(p.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
			})
			continue
		}
		if fetches.Empty() {
			continue
		}

		p.consumeFetches(ctx, fetches)

		// The whole batch was handled, successes and dead-letters alike.
		// A failed commit means duplicates on restart, which at-least-once
		// processing tolerates.
		if err := p.reader.CommitUncommittedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
			metricCommitFailures.Inc()
			level.Error(p.logger).Log("msg", "offset commit failed", "err", err)
		}
	}
	return nil
}

func (p *Processor) stopping(_ error) error {
	close(p.flushStop)
	p.flushWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), p.ingestCfg.SessionTimeout)
	defer cancel()
	if err := p.writer.Flush(ctx); err != nil {
		level.Warn(p.logger).Log("msg", "final time-series flush failed", "err", err)
	}

	if p.reader != nil {
		p.reader.Close()
	}
	if dlq, ok := p.dlq.(*ingest.DLQ); ok && dlq != nil {
		dlq.Close()
	}
	level.Info(p.logger).Log("msg", "processor stopped")
	return nil
}

// consumeFetches handles records per partition in arrival order.
func (p *Processor) consumeFetches(ctx context.Context, fetches kgo.Fetches) {
	fetches.EachPartition(func(part kgo.FetchTopicPartition) {
		part.EachRecord(func(rec *kgo.Record) {
			p.processRecord(ctx, rec)
		})
	})
}

// processRecord runs one record through its topic handler. Failures are
// dead-lettered and never stop the batch.
func (p *Processor) processRecord(ctx context.Context, rec *kgo.Record) {
	handle, ok := p.handlers[rec.Topic]
	if !ok {
		// Not reachable with the subscribed topics; guard anyway.
		level.Warn(p.logger).Log("msg", "record from unhandled topic", "topic", rec.Topic)
		return
	}

	err := handle(ctx, rec)
	if err == nil {
		metricRecordsProcessed.WithLabelValues(rec.Topic).Inc()
		return
	}

	metricRecordsFailed.WithLabelValues(rec.Topic).Inc()
	level.Warn(p.logger).Log("msg", "record failed, sending to dead-letter topic",
		"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "err", err)
	p.dlq.Send(ctx, rec, errType(err), err)
}

type decodeFailure struct {
	err error
}

func (e *decodeFailure) Error() string { return e.err.Error() }
func (e *decodeFailure) Unwrap() error { return e.err }

// Format preserves the wrapped stack for the dead-letter envelope.
func (e *decodeFailure) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprint(s, e.err.Error())
}

func errType(err error) string {
	var df *decodeFailure
	if errors.As(err, &df) {
		return "decode_error"
	}
	return "handler_error"
}

// skipIfCircuitOpen downgrades a rejected store write to a logged skip so
// the record still counts as handled while the backend recovers.
func (p *Processor) skipIfCircuitOpen(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kv.ErrCircuitOpen) {
		level.Warn(p.logger).Log("msg", "skipping store write, circuit open", "op", op)
		return nil
	}
	return errors.Wrap(err, op)
}
