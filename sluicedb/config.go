package sluicedb

import (
	"flag"

	"github.com/sluiceproject/sluice/pkg/util"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

// Config holds the storage settings: the kv connection plus the
// time-series write path.
type Config struct {
	KV kv.Config `yaml:"kv"`

	PipelineBatch int   `yaml:"pipeline_batch"`
	RetentionMS   int64 `yaml:"ts_retention_ms"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.KV.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "kv"), f)
	f.IntVar(&cfg.PipelineBatch, util.PrefixConfig(prefix, "pipeline-batch"), 50, "Buffered time-series points per pipelined write.")
	f.Int64Var(&cfg.RetentionMS, util.PrefixConfig(prefix, "ts-retention-ms"), 86_400_000, "Time-series retention horizon in milliseconds.")
}
