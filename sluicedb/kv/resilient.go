package kv

import (
	"context"
	"io"
	"net"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without touching the backend while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("kv: circuit breaker open")

var metricRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sluice",
	Name:      "kv_retries_total",
	Help:      "Total number of retried store operations.",
})

// ResilientStore decorates a Store with a circuit breaker and bounded
// retries. Only connection-level failures feed the breaker and trigger
// retries; every other error passes straight through.
type ResilientStore struct {
	next    Store
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

var _ Store = (*ResilientStore)(nil)

func NewResilientStore(next Store, cfg Config, logger log.Logger) *ResilientStore {
	rs := &ResilientStore{
		next:   next,
		cfg:    cfg,
		logger: log.With(logger, "component", "kv"),
	}
	rs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isConnErr(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			level.Warn(rs.logger).Log("msg", "circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return rs
}

// BreakerState reports the breaker state as its metric value: closed=0,
// open=1, half-open=2.
func (rs *ResilientStore) BreakerState() float64 {
	switch rs.breaker.State() {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// BreakerStateName reports the breaker state for readiness responses.
func (rs *ResilientStore) BreakerStateName() string {
	return rs.breaker.State().String()
}

// do runs op through the breaker, retrying connection failures with
// exponential backoff. An open breaker fails fast with ErrCircuitOpen.
func (rs *ResilientStore) do(ctx context.Context, op func(context.Context) error) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: rs.cfg.RetryMinBackoff,
		MaxBackoff: rs.cfg.RetryMaxBackoff,
		MaxRetries: rs.cfg.MaxRetries,
	})

	var lastErr error
	for boff.Ongoing() {
		_, err := rs.breaker.Execute(func() (interface{}, error) {
			return nil, op(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return ErrCircuitOpen
		case !isConnErr(err):
			return err
		}
		lastErr = err
		level.Warn(rs.logger).Log("msg", "store operation failed, retrying", "attempt", boff.NumRetries()+1, "err", err)
		metricRetries.Inc()
		boff.Wait()
	}

	if lastErr != nil {
		return lastErr
	}
	return boff.Err()
}

func (rs *ResilientStore) HSet(ctx context.Context, key, field, value string) error {
	return rs.do(ctx, func(ctx context.Context) error {
		return rs.next.HSet(ctx, key, field, value)
	})
}

func (rs *ResilientStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := rs.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.next.HGetAll(ctx, key)
		return err
	})
	return out, err
}

func (rs *ResilientStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := rs.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.next.LRange(ctx, key, start, stop)
		return err
	})
	return out, err
}

func (rs *ResilientStore) ZIncrBy(ctx context.Context, key string, increment float64, member string) (float64, error) {
	var out float64
	err := rs.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.next.ZIncrBy(ctx, key, increment, member)
		return err
	})
	return out, err
}

func (rs *ResilientStore) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	var out []ScoredMember
	err := rs.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.next.ZRevRangeWithScores(ctx, key, start, stop)
		return err
	})
	return out, err
}

func (rs *ResilientStore) ZRangeByScoreWithScores(ctx context.Context, key, min, max string) ([]ScoredMember, error) {
	var out []ScoredMember
	err := rs.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = rs.next.ZRangeByScoreWithScores(ctx, key, min, max)
		return err
	})
	return out, err
}

func (rs *ResilientStore) Publish(ctx context.Context, channel, payload string) error {
	return rs.do(ctx, func(ctx context.Context) error {
		return rs.next.Publish(ctx, channel, payload)
	})
}

// Subscribe passes through untouched: subscription recovery is owned by the
// consuming loop's reconnect policy, not by per-call retries.
func (rs *ResilientStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	return rs.next.Subscribe(ctx, channel)
}

// Pipeline queues locally and replays the whole batch onto a fresh
// downstream pipeline per attempt, so retries resend every command.
func (rs *ResilientStore) Pipeline() Pipeline {
	return &resilientPipeline{rs: rs}
}

func (rs *ResilientStore) Ping(ctx context.Context) error {
	return rs.do(ctx, func(ctx context.Context) error {
		return rs.next.Ping(ctx)
	})
}

func (rs *ResilientStore) Close() error {
	return rs.next.Close()
}

type resilientPipeline struct {
	rs  *ResilientStore
	ops []func(Pipeline)
}

func (p *resilientPipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(np Pipeline) { np.ZAdd(key, score, member) })
}

func (p *resilientPipeline) ZRemRangeByScore(key, min, max string) {
	p.ops = append(p.ops, func(np Pipeline) { np.ZRemRangeByScore(key, min, max) })
}

func (p *resilientPipeline) LPush(key, value string) {
	p.ops = append(p.ops, func(np Pipeline) { np.LPush(key, value) })
}

func (p *resilientPipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func(np Pipeline) { np.LTrim(key, start, stop) })
}

func (p *resilientPipeline) Exec(ctx context.Context) error {
	if len(p.ops) == 0 {
		return nil
	}
	return p.rs.do(ctx, func(ctx context.Context) error {
		np := p.rs.next.Pipeline()
		for _, op := range p.ops {
			op(np)
		}
		return np.Exec(ctx)
	})
}

// isConnErr reports whether err is a connection-level failure. Protocol
// errors, missing keys and cancellations are not.
func isConnErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
