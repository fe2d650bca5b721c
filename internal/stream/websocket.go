package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"Go2NetSentry/internal/config"
)

const (
	writeWait             = 5 * time.Second
	defaultReadTimeout    = 60 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

func init() {
	RegisterTransport("websocket", func(cfg config.StreamConfig, logger *slog.Logger) (Transport, error) {
		t, err := NewWebSocket(cfg.WebSocket)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

// WebSocketTransport dials the backend's traffic websocket.
type WebSocketTransport struct {
	url            string
	dialer         *websocket.Dialer
	header         http.Header
	readTimeout    time.Duration
	maxMessageSize int64
}

// NewWebSocket validates the URL. Dialing happens in Dial.
func NewWebSocket(cfg config.WebSocketConfig) (*WebSocketTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("websocket url must be ws or wss, got %q", cfg.URL)
	}

	readTimeout := cfg.ReadTimeout.Std()
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	return &WebSocketTransport{
		url: cfg.URL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		},
		header:         http.Header{"User-Agent": []string{"netsentry"}},
		readTimeout:    readTimeout,
		maxMessageSize: maxSize,
	}, nil
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (%s): %w", t.url, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", t.url, err)
	}

	c := &wsConn{conn: conn, readTimeout: t.readTimeout}
	conn.SetReadLimit(t.maxMessageSize)
	c.extendDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
	closeErr    error
}

func (c *wsConn) extendDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
}

// Receive returns the next text or binary frame.
func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	c.extendDeadline()
	return data, nil
}

// Close sends a close frame and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
