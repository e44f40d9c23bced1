package kv

import (
	"context"
	"flag"
	"time"

	"github.com/sluiceproject/sluice/pkg/util"
)

// Config holds the connection and resilience settings for the store.
type Config struct {
	URL         string        `yaml:"url"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	FailureThreshold uint          `yaml:"breaker_failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"breaker_recovery_timeout"`

	MaxRetries      int           `yaml:"max_retries"`
	RetryMinBackoff time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "redis://redis:6379/0", "Store connection URL.")
	f.IntVar(&cfg.PoolSize, util.PrefixConfig(prefix, "pool-size"), 20, "Connection pool size.")
	f.DurationVar(&cfg.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), 5*time.Second, "Connection dial timeout.")
	f.UintVar(&cfg.FailureThreshold, util.PrefixConfig(prefix, "breaker-failure-threshold"), 5, "Consecutive connection failures before the circuit opens.")
	f.DurationVar(&cfg.RecoveryTimeout, util.PrefixConfig(prefix, "breaker-recovery-timeout"), 30*time.Second, "Time the circuit stays open before probing again.")
	f.IntVar(&cfg.MaxRetries, util.PrefixConfig(prefix, "max-retries"), 3, "Attempts per operation on connection failures.")
	f.DurationVar(&cfg.RetryMinBackoff, util.PrefixConfig(prefix, "retry-min-backoff"), 100*time.Millisecond, "Initial retry backoff.")
	f.DurationVar(&cfg.RetryMaxBackoff, util.PrefixConfig(prefix, "retry-max-backoff"), time.Second, "Maximum retry backoff.")
}

// ScoredMember is one sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub stream. Messages is closed when the
// underlying subscription dies; Close releases it.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Pipeline queues mutations locally and sends them in one round trip on
// Exec. A Pipeline is not safe for concurrent use.
type Pipeline interface {
	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key, min, max string)
	LPush(key, value string)
	LTrim(key string, start, stop int64)
	Exec(ctx context.Context) error
}

// Store is the key-value surface the pipeline is written against.
// Implementations must be safe for concurrent use.
type Store interface {
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZRangeByScoreWithScores(ctx context.Context, key, min, max string) ([]ScoredMember, error)
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Pipeline() Pipeline
	Ping(ctx context.Context) error
	Close() error
}
