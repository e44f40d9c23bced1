package broadcast

import (
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from arbitrary origins; filtering happens
	// upstream if at all.
	CheckOrigin: func(*http.Request) bool { return true },
}

// controlMessage is what clients send on the socket.
type controlMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

type controlReply struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// Handler upgrades the connection, registers the subscriber and owns its
// read loop until the client goes away.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			level.Warn(m.logger).Log("msg", "websocket upgrade failed", "err", err)
			return
		}

		sub := m.Connect(c)
		defer m.Disconnect(sub)

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			m.handleControl(sub, data)
		}
	}
}

func (m *Manager) handleControl(sub *Subscriber, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		level.Debug(m.logger).Log("msg", "ignoring malformed control message", "subscriber", sub.ID, "err", err)
		return
	}

	switch msg.Type {
	case "subscribe":
		m.UpdateFilters(sub, msg.Channels)
		m.reply(sub, controlReply{Type: "subscribed", Channels: sub.Filters()})
	case "ping":
		m.reply(sub, controlReply{Type: "pong"})
	default:
		level.Debug(m.logger).Log("msg", "unknown control message", "subscriber", sub.ID, "type", msg.Type)
	}
}

func (m *Manager) reply(sub *Subscriber, reply controlReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := sub.send(data); err != nil {
		m.Disconnect(sub)
	}
}
