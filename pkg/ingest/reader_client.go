package ingest

import (
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewReaderClient returns the group consumer for the raw topics. Offsets
// are committed manually by the processing loop, never by the client.
func NewReaderClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts, commonClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.TopicIoT, cfg.TopicActivity),
		kgo.ConsumeResetOffset(resetOffset(cfg.AutoOffsetReset)),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.FetchMaxWait(time.Second),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka reader client")
	}
	return client, nil
}

// NewReaderClientMetrics returns the kprom hooks to register on reader
// clients.
func NewReaderClientMetrics(reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("sluice_ingest_reader", kprom.Registerer(reg))
}

func commonClientOptions(cfg Config, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers()...),
		kgo.WithLogger(newKafkaLogger(logger)),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

func resetOffset(policy string) kgo.Offset {
	if policy == ResetEarliest {
		return kgo.NewOffset().AtStart()
	}
	return kgo.NewOffset().AtEnd()
}
