package processor

import (
	"flag"
	"time"

	"github.com/sluiceproject/sluice/pkg/util"
)

// Config holds the engine tuning knobs. The bus connection lives in the
// ingest config.
type Config struct {
	TumblingWindow    time.Duration `yaml:"tumbling_window"`
	SlidingWindow     time.Duration `yaml:"sliding_window"`
	AnomalyZThreshold float64       `yaml:"anomaly_z_threshold"`
	AnomalyWindowSize int           `yaml:"anomaly_window_size"`
	TrendWindowSize   int           `yaml:"trend_window_size"`
	MaxTrackedKeys    int           `yaml:"max_tracked_keys"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.TumblingWindow, util.PrefixConfig(prefix, "tumbling-window"), 10*time.Second, "Tumbling window and flush period.")
	f.DurationVar(&cfg.SlidingWindow, util.PrefixConfig(prefix, "sliding-window"), 60*time.Second, "Sliding window horizon.")
	f.Float64Var(&cfg.AnomalyZThreshold, util.PrefixConfig(prefix, "anomaly-z-threshold"), 3.0, "Z-score beyond which a sample is anomalous.")
	f.IntVar(&cfg.AnomalyWindowSize, util.PrefixConfig(prefix, "anomaly-window-size"), 100, "Values per key scored against.")
	f.IntVar(&cfg.TrendWindowSize, util.PrefixConfig(prefix, "trend-window-size"), 60, "Points per key fitted for trends.")
	f.IntVar(&cfg.MaxTrackedKeys, util.PrefixConfig(prefix, "max-tracked-keys"), 10_000, "Distinct keys tracked per engine; 0 disables the cap.")
}
