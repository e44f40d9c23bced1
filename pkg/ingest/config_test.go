package ingest

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("ingest", flag.NewFlagSet("test", flag.PanicOnError))

	require.Equal(t, "kafka:9092", cfg.BootstrapServers)
	require.Equal(t, "stream-processor", cfg.ConsumerGroup)
	require.Equal(t, ResetLatest, cfg.AutoOffsetReset)
	require.Equal(t, 500, cfg.MaxPollRecords)
	require.Equal(t, "iot.sensors.raw", cfg.TopicIoT)
	require.Equal(t, "activity.events.raw", cfg.TopicActivity)
	require.Equal(t, "pipeline.dlq", cfg.TopicDLQ)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{AutoOffsetReset: "newest", MaxPollRecords: 500}
	require.Error(t, cfg.Validate())

	cfg = Config{AutoOffsetReset: ResetEarliest, MaxPollRecords: 0}
	require.Error(t, cfg.Validate())

	cfg = Config{AutoOffsetReset: ResetEarliest, MaxPollRecords: 1}
	require.NoError(t, cfg.Validate())
}

func TestConfigBrokers(t *testing.T) {
	cfg := Config{BootstrapServers: "kafka-1:9092, kafka-2:9092,"}
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers())
}

func TestResetOffset(t *testing.T) {
	require.Equal(t, kgo.NewOffset().AtStart(), resetOffset(ResetEarliest))
	require.Equal(t, kgo.NewOffset().AtEnd(), resetOffset(ResetLatest))
	require.Equal(t, kgo.NewOffset().AtEnd(), resetOffset(""))
}
