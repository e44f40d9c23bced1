package broadcast

import (
	"flag"
	"time"

	"github.com/sluiceproject/sluice/pkg/util"
)

// Config tunes the live fan-out.
type Config struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BridgeRetryWait  time.Duration `yaml:"bridge_retry_wait"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ThrottleInterval, util.PrefixConfig(prefix, "throttle-interval"), 100*time.Millisecond, "Minimum interval between sends to one subscriber.")
	f.DurationVar(&cfg.WriteTimeout, util.PrefixConfig(prefix, "write-timeout"), 5*time.Second, "Per-send write deadline.")
	f.DurationVar(&cfg.BridgeRetryWait, util.PrefixConfig(prefix, "bridge-retry-wait"), 2*time.Second, "Wait before the pub/sub bridge reconnects after a failure.")
}
