package ingest

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewWriterClient returns a producer client. Used for the dead-letter path
// and by the synthetic generator.
func NewWriterClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts, commonClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka writer client")
	}
	return client, nil
}

// NewWriterClientMetrics returns the kprom hooks to register on writer
// clients.
func NewWriterClientMetrics(reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("sluice_ingest_writer", kprom.Registerer(reg))
}
