package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ApplyEnvOverrides overlays PIPELINE_* environment variables on top of
// the config. Environment wins over the config file, flags win over
// both.
func ApplyEnvOverrides(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
	v.AutomaticEnv()

	var err error
	setString := func(key string, dst *string) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
	setInt := func(key string, dst *int) {
		s := v.GetString(key)
		if s == "" || err != nil {
			return
		}
		n, perr := strconv.Atoi(s)
		if perr != nil {
			err = errors.Wrapf(perr, "parsing PIPELINE_%s", strings.ToUpper(key))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		s := v.GetString(key)
		if s == "" || err != nil {
			return
		}
		f, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			err = errors.Wrapf(perr, "parsing PIPELINE_%s", strings.ToUpper(key))
			return
		}
		*dst = f
	}
	setDuration := func(key string, unit time.Duration, dst *time.Duration) {
		n := int(*dst / unit)
		setInt(key, &n)
		*dst = time.Duration(n) * unit
	}

	setString("target", &cfg.Target)
	setInt("http_listen_port", &cfg.HTTPListenPort)
	if s := v.GetString("log_level"); s != "" {
		if perr := cfg.LogLevel.Set(s); perr != nil {
			return errors.Wrap(perr, "parsing PIPELINE_LOG_LEVEL")
		}
	}

	setString("kafka_bootstrap_servers", &cfg.Ingest.BootstrapServers)
	setString("kafka_consumer_group", &cfg.Ingest.ConsumerGroup)
	setString("kafka_auto_offset_reset", &cfg.Ingest.AutoOffsetReset)
	setInt("kafka_max_poll_records", &cfg.Ingest.MaxPollRecords)
	setString("topic_iot_raw", &cfg.Ingest.TopicIoT)
	setString("topic_activity_raw", &cfg.Ingest.TopicActivity)
	setString("topic_dlq", &cfg.Ingest.TopicDLQ)

	setString("redis_url", &cfg.Storage.KV.URL)
	setInt("redis_pool_size", &cfg.Storage.KV.PoolSize)
	setInt("redis_pipeline_batch", &cfg.Storage.PipelineBatch)
	if s := v.GetString("redis_ts_retention_ms"); s != "" && err == nil {
		n, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil {
			return errors.Wrap(perr, "parsing PIPELINE_REDIS_TS_RETENTION_MS")
		}
		cfg.Storage.RetentionMS = n
	}

	setDuration("tumbling_window_sec", time.Second, &cfg.Processor.TumblingWindow)
	setDuration("sliding_window_sec", time.Second, &cfg.Processor.SlidingWindow)
	setFloat("anomaly_z_threshold", &cfg.Processor.AnomalyZThreshold)
	setInt("anomaly_window_size", &cfg.Processor.AnomalyWindowSize)
	setInt("trend_window_size", &cfg.Processor.TrendWindowSize)
	setInt("max_tracked_keys", &cfg.Processor.MaxTrackedKeys)

	setDuration("ws_throttle_ms", time.Millisecond, &cfg.Broadcast.ThrottleInterval)

	return err
}
