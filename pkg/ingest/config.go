package ingest

import (
	"flag"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sluiceproject/sluice/pkg/util"
)

// Offset reset policies applied when the group has no committed offset.
const (
	ResetLatest   = "latest"
	ResetEarliest = "earliest"
)

// Config holds the bus connection, the consumer group and the topic names.
type Config struct {
	BootstrapServers string        `yaml:"bootstrap_servers"`
	ConsumerGroup    string        `yaml:"consumer_group"`
	AutoOffsetReset  string        `yaml:"auto_offset_reset"`
	MaxPollRecords   int           `yaml:"max_poll_records"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`

	TopicIoT      string `yaml:"topic_iot_raw"`
	TopicActivity string `yaml:"topic_activity_raw"`
	TopicDLQ      string `yaml:"topic_dlq"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BootstrapServers, util.PrefixConfig(prefix, "bootstrap-servers"), "kafka:9092", "Comma-separated bus endpoints.")
	f.StringVar(&cfg.ConsumerGroup, util.PrefixConfig(prefix, "consumer-group"), "stream-processor", "Consumer group id.")
	f.StringVar(&cfg.AutoOffsetReset, util.PrefixConfig(prefix, "auto-offset-reset"), ResetLatest, "Initial offset policy when the group has no commit: latest or earliest.")
	f.IntVar(&cfg.MaxPollRecords, util.PrefixConfig(prefix, "max-poll-records"), 500, "Maximum records returned per poll.")
	f.DurationVar(&cfg.SessionTimeout, util.PrefixConfig(prefix, "session-timeout"), time.Minute, "Consumer group session timeout.")
	f.StringVar(&cfg.TopicIoT, util.PrefixConfig(prefix, "topic-iot-raw"), "iot.sensors.raw", "Raw IoT readings topic.")
	f.StringVar(&cfg.TopicActivity, util.PrefixConfig(prefix, "topic-activity-raw"), "activity.events.raw", "Raw activity events topic.")
	f.StringVar(&cfg.TopicDLQ, util.PrefixConfig(prefix, "topic-dlq"), "pipeline.dlq", "Dead-letter topic.")
}

func (cfg *Config) Validate() error {
	switch cfg.AutoOffsetReset {
	case ResetLatest, ResetEarliest:
	default:
		return errors.Errorf("invalid auto offset reset policy %q", cfg.AutoOffsetReset)
	}
	if cfg.MaxPollRecords <= 0 {
		return errors.Errorf("max poll records must be positive, got %d", cfg.MaxPollRecords)
	}
	return nil
}

// Brokers splits the bootstrap server list.
func (cfg *Config) Brokers() []string {
	parts := strings.Split(cfg.BootstrapServers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
