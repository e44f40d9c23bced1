package broadcast

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sluice",
		Subsystem: "broadcast",
		Name:      "subscribers",
		Help:      "Number of connected subscribers.",
	})
	metricBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "broadcast",
		Name:      "messages_total",
		Help:      "Total number of broadcast payloads.",
	}, []string{"channel"})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "broadcast",
		Name:      "dropped_subscribers_total",
		Help:      "Total number of subscribers dropped after a failed send.",
	})
)

// envelope is the frame subscribers receive.
type envelope struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// Manager owns the subscriber set and fans payloads out to it.
type Manager struct {
	cfg    Config
	logger log.Logger

	mtx  sync.RWMutex
	subs map[string]*Subscriber
}

func New(cfg Config, logger log.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.With(logger, "component", "broadcast"),
		subs:   make(map[string]*Subscriber),
	}
}

// Connect registers the transport and returns its subscriber handle.
func (m *Manager) Connect(c conn) *Subscriber {
	sub := newSubscriber(c, m.cfg.WriteTimeout)

	m.mtx.Lock()
	m.subs[sub.ID] = sub
	total := len(m.subs)
	m.mtx.Unlock()

	metricSubscribers.Set(float64(total))
	level.Debug(m.logger).Log("msg", "subscriber connected", "subscriber", sub.ID, "total", total)
	return sub
}

// Disconnect removes the subscriber and closes its transport. Safe to call
// more than once.
func (m *Manager) Disconnect(sub *Subscriber) {
	m.mtx.Lock()
	_, known := m.subs[sub.ID]
	delete(m.subs, sub.ID)
	total := len(m.subs)
	m.mtx.Unlock()

	if !known {
		return
	}
	_ = sub.conn.Close()
	metricSubscribers.Set(float64(total))
	level.Debug(m.logger).Log("msg", "subscriber disconnected", "subscriber", sub.ID, "total", total)
}

// UpdateFilters replaces the subscriber's channel filter set.
func (m *Manager) UpdateFilters(sub *Subscriber, channels []string) {
	sub.setFilters(channels)
}

// Len reports the number of connected subscribers.
func (m *Manager) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.subs)
}

// Broadcast sends payload to every subscriber whose filters include
// channel, at most once per throttle interval per subscriber. Sends run
// concurrently outside the subscriber lock; a failed send drops the
// subscriber.
func (m *Manager) Broadcast(channel string, payload interface{}) error {
	data, err := json.Marshal(envelope{Channel: channel, Data: payload})
	if err != nil {
		return errors.Wrap(err, "encoding broadcast payload")
	}
	metricBroadcasts.WithLabelValues(channel).Inc()

	m.mtx.RLock()
	targets := make([]*Subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		targets = append(targets, sub)
	}
	m.mtx.RUnlock()

	nowMs := time.Now().UnixMilli()
	intervalMs := m.cfg.ThrottleInterval.Milliseconds()

	var (
		failedMtx sync.Mutex
		failed    []*Subscriber
	)
	var g errgroup.Group
	for _, sub := range targets {
		if !sub.wants(channel) || sub.throttled(nowMs, intervalMs) {
			continue
		}
		sub := sub
		g.Go(func() error {
			if err := sub.send(data); err != nil {
				failedMtx.Lock()
				failed = append(failed, sub)
				failedMtx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, sub := range failed {
		metricDropped.Inc()
		level.Warn(m.logger).Log("msg", "dropping subscriber after failed send", "subscriber", sub.ID)
		m.Disconnect(sub)
	}
	return nil
}
