package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/sirupsen/logrus"
)

// WebSocketConfig points at a serial-over-WebSocket bridge in front of the adapter.
type WebSocketConfig struct {
	URL           string `yaml:"url" json:"url"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"-"`
	SkipSSLVerify bool   `yaml:"skip_ssl_verify" json:"skipSslVerify"`
}

// WebSocket is a Transport whose bytes travel as binary WebSocket messages.
type WebSocket struct {
	cfg WebSocketConfig
	log *logrus.Entry

	mu     sync.Mutex // serializes writers; gorilla allows only one
	conn   *websocket.Conn
	closed bool
	wg     sync.WaitGroup
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg, log: logrus.WithField("component", "websocket")}
}

func (w *WebSocket) Name() string { return "ws:" + w.cfg.URL }

// Open dials the bridge and starts delivering message payloads as chunks.
func (w *WebSocket) Open(cb elm.Callbacks) error {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("websocket: invalid URL: %v: %w", err, elm.ErrTransportUnavailable)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("websocket: unsupported URL scheme %q (use ws:// or wss://): %w", u.Scheme, elm.ErrTransportUnavailable)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: w.cfg.SkipSSLVerify}
	}

	headers := http.Header{}
	if w.cfg.Username != "" && w.cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(w.cfg.Username + ":" + w.cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket: dial failed (HTTP %d): %v: %w", resp.StatusCode, err, elm.ErrTransportUnavailable)
		}
		return fmt.Errorf("websocket: dial failed: %v: %w", err, elm.ErrTransportUnavailable)
	}
	w.log.WithField("url", w.cfg.URL).Info("bridge connected")

	w.mu.Lock()
	w.conn = conn
	w.closed = false
	w.mu.Unlock()

	w.wg.Add(1)
	go w.readLoop(conn, cb)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, cb elm.Callbacks) {
	err := pump(conn, cb)
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	w.wg.Done()
	if closed {
		return
	}
	w.log.WithError(err).Warn("bridge read failed")
	if cb.Disconnect != nil {
		cb.Disconnect(err)
	}
}

// pump delivers message payloads until the connection fails.
func pump(conn *websocket.Conn, cb elm.Callbacks) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// Some bridges relay adapter output as text frames.
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		if len(data) > 0 {
			cb.Data(data)
		}
	}
}

// Write sends one command as a single binary message.
func (w *WebSocket) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return errors.New("websocket: not connected")
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Close sends a close frame and shuts the connection. It may be called repeatedly.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.closed = true
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	w.wg.Wait()
	return err
}
