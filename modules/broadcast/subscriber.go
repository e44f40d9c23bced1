package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// Channels a fresh subscriber receives until it narrows them down.
var defaultChannels = []string{"iot", "activity", "alerts", "trends"}

// conn is the transport surface a subscriber writes to. Satisfied by
// *websocket.Conn.
type conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Subscriber is one connected dashboard client.
type Subscriber struct {
	ID string

	conn         conn
	writeTimeout time.Duration

	mtx     sync.RWMutex
	filters map[string]struct{}

	// lastSend is milliseconds since epoch; stamped when a broadcast is
	// dispatched to this subscriber.
	lastSend atomic.Int64

	// Transports allow one concurrent writer; both broadcasts and control
	// replies go through send.
	sendMtx sync.Mutex
}

func newSubscriber(c conn, writeTimeout time.Duration) *Subscriber {
	s := &Subscriber{
		ID:           uuid.New().String(),
		conn:         c,
		writeTimeout: writeTimeout,
		filters:      make(map[string]struct{}, len(defaultChannels)),
	}
	for _, ch := range defaultChannels {
		s.filters[ch] = struct{}{}
	}
	return s
}

func (s *Subscriber) wants(channel string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, ok := s.filters[channel]
	return ok
}

// setFilters replaces the filter set wholesale.
func (s *Subscriber) setFilters(channels []string) {
	next := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		next[ch] = struct{}{}
	}

	s.mtx.Lock()
	s.filters = next
	s.mtx.Unlock()
}

// Filters returns the subscribed channels, ordered.
func (s *Subscriber) Filters() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]string, 0, len(s.filters))
	for ch := range s.filters {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *Subscriber) send(data []byte) error {
	s.sendMtx.Lock()
	defer s.sendMtx.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// throttled reports whether a send at nowMs would violate the interval,
// stamping the send time when it would not.
func (s *Subscriber) throttled(nowMs, intervalMs int64) bool {
	if nowMs-s.lastSend.Load() < intervalMs {
		return true
	}
	s.lastSend.Store(nowMs)
	return false
}
