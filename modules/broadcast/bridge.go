package broadcast

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/grafana/dskit/services"

	"github.com/sluiceproject/sluice/sluicedb"
	"github.com/sluiceproject/sluice/sluicedb/kv"
)

// Bridge subscribes to the dashboard pub/sub channel and forwards every
// snapshot to the broadcast manager. It reconnects with a fixed wait and
// runs until shutdown.
type Bridge struct {
	services.Service

	store     kv.Store
	mgr       *Manager
	retryWait time.Duration
	logger    log.Logger
}

func NewBridge(store kv.Store, mgr *Manager, cfg Config, logger log.Logger) *Bridge {
	b := &Bridge{
		store:     store,
		mgr:       mgr,
		retryWait: cfg.BridgeRetryWait,
		logger:    log.With(logger, "component", "bridge"),
	}
	b.Service = services.NewBasicService(nil, b.running, nil)
	return b
}

func (b *Bridge) running(ctx context.Context) error {
	for ctx.Err() == nil {
		sub, err := b.store.Subscribe(ctx, sluicedb.ChannelDashboard)
		if err != nil {
			level.Error(b.logger).Log("msg", "pub/sub subscribe failed", "err", err)
			b.wait(ctx)
			continue
		}

		level.Info(b.logger).Log("msg", "bridge subscribed", "channel", sluicedb.ChannelDashboard)
		b.pump(ctx, sub)
		_ = sub.Close()

		if ctx.Err() == nil {
			level.Warn(b.logger).Log("msg", "pub/sub stream ended, reconnecting")
			b.wait(ctx)
		}
	}
	return nil
}

// pump forwards messages until the stream closes or the context ends.
func (b *Bridge) pump(ctx context.Context, sub kv.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var payload jsoniter.RawMessage
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				level.Warn(b.logger).Log("msg", "dropping malformed snapshot", "err", err)
				continue
			}
			if err := b.mgr.Broadcast("metrics", payload); err != nil {
				level.Warn(b.logger).Log("msg", "broadcast failed", "err", err)
			}
		}
	}
}

func (b *Bridge) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.retryWait):
	}
}
