package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricDLQRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "ingest",
		Name:      "dlq_records_total",
		Help:      "Total number of records routed to the dead-letter topic.",
	})
	metricDLQFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "ingest",
		Name:      "dlq_failures_total",
		Help:      "Total number of dead-letter publishes that failed.",
	})
)

// Envelope wraps a record that could not be processed. The original bytes
// travel hex-encoded; the field name is historical.
type Envelope struct {
	OriginalTopic    string  `json:"original_topic"`
	Partition        int32   `json:"partition"`
	Offset           int64   `json:"offset"`
	ErrorType        string  `json:"error_type"`
	ErrorMessage     string  `json:"error_message"`
	StackTrace       string  `json:"stack_trace"`
	FailedAt         float64 `json:"failed_at"`
	OriginalValueB64 *string `json:"original_value_b64"`
}

// DLQ publishes envelopes for failed records. Sends are asynchronous and
// never block or fail the hot path; publish errors are only logged.
type DLQ struct {
	client       *kgo.Client
	topic        string
	logger       log.Logger
	closeTimeout time.Duration
}

func NewDLQ(client *kgo.Client, topic string, logger log.Logger) *DLQ {
	return &DLQ{
		client:       client,
		topic:        topic,
		logger:       log.With(logger, "component", "dlq"),
		closeTimeout: 10 * time.Second,
	}
}

// Send publishes an envelope for rec. errType names the failure stage,
// cause carries the message and, when wrapped with pkg/errors, the stack.
func (d *DLQ) Send(ctx context.Context, rec *kgo.Record, errType string, cause error) {
	env := Envelope{
		OriginalTopic: rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		ErrorType:     errType,
		ErrorMessage:  cause.Error(),
		StackTrace:    fmt.Sprintf("%+v", cause),
		FailedAt:      float64(time.Now().UnixMilli()),
	}
	if len(rec.Value) > 0 {
		encoded := hex.EncodeToString(rec.Value)
		env.OriginalValueB64 = &encoded
	}

	data, err := json.Marshal(env)
	if err != nil {
		metricDLQFailures.Inc()
		level.Error(d.logger).Log("msg", "failed to encode dead-letter envelope", "topic", rec.Topic, "offset", rec.Offset, "err", err)
		return
	}

	d.client.Produce(ctx, &kgo.Record{Topic: d.topic, Key: rec.Key, Value: data}, func(_ *kgo.Record, err error) {
		if err != nil {
			metricDLQFailures.Inc()
			level.Error(d.logger).Log("msg", "failed to publish dead-letter envelope", "topic", rec.Topic, "offset", rec.Offset, "err", err)
			return
		}
		metricDLQRecords.Inc()
	})
}

// Close flushes outstanding envelopes within a bounded window and releases
// the producer.
func (d *DLQ) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), d.closeTimeout)
	defer cancel()

	if err := d.client.Flush(ctx); err != nil {
		level.Warn(d.logger).Log("msg", "dead-letter flush did not complete", "err", err)
	}
	d.client.Close()
}
