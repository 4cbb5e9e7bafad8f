package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/obd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridge relays WebSocket messages to a simulated adapter and back.
func bridge(t *testing.T, check func(*http.Request) bool) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil && !check(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn

		out := make(chan []byte, 64)
		sim := NewSim()
		sim.Open(elm.Callbacks{Data: func(b []byte) { out <- append([]byte(nil), b...) }})
		go func() {
			for b := range out {
				if conn.WriteMessage(websocket.BinaryMessage, b) != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				sim.Close()
				return
			}
			sim.Write(data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketClientOverBridge(t *testing.T) {
	srv, _ := bridge(t, func(r *http.Request) bool {
		user, pass, ok := r.BasicAuth()
		return ok && user == "elm" && pass == "secret"
	})

	ws := NewWebSocket(WebSocketConfig{URL: wsURL(srv), Username: "elm", Password: "secret"})
	c := elm.New(ws, fastConfig())
	require.NoError(t, c.Connect(context.Background()))

	v, err := c.Read(context.Background(), obd.Coolant, elm.Low)
	require.NoError(t, err)
	assert.InDelta(t, 87.5, v, 3)

	require.NoError(t, c.Disconnect())
	assert.NoError(t, ws.Close())
}

func TestWebSocketRejectedHandshake(t *testing.T) {
	srv, _ := bridge(t, func(*http.Request) bool { return false })

	err := NewWebSocket(WebSocketConfig{URL: wsURL(srv)}).Open(elm.Callbacks{})
	assert.ErrorIs(t, err, elm.ErrTransportUnavailable)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestWebSocketBadScheme(t *testing.T) {
	err := NewWebSocket(WebSocketConfig{URL: "http://localhost:1"}).Open(elm.Callbacks{})
	assert.ErrorIs(t, err, elm.ErrTransportUnavailable)
}

func TestWebSocketServerHangup(t *testing.T) {
	srv, conns := bridge(t, nil)

	c := elm.New(NewWebSocket(WebSocketConfig{URL: wsURL(srv)}), fastConfig())
	require.NoError(t, c.Connect(context.Background()))

	conn := <-conns
	conn.Close()

	assert.Eventually(t, func() bool { return c.State() == elm.Disconnected }, 2*time.Second, time.Millisecond)
	_, err := c.Send(context.Background(), "010C", elm.High)
	assert.ErrorIs(t, err, elm.ErrNotConnected)
}
