package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebSocketEndToEnd(t *testing.T) {
	m := newTestManager(0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return m.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{"metrics"},
	}))

	var reply map[string]interface{}
	require.NoError(t, client.ReadJSON(&reply))
	require.Equal(t, "subscribed", reply["type"])

	require.NoError(t, m.Broadcast("metrics", map[string]string{"type": "window_flush"}))

	var frame map[string]interface{}
	require.NoError(t, client.ReadJSON(&frame))
	require.Equal(t, "metrics", frame["channel"])

	// Closing the client tears the subscriber down server-side.
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return m.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
