package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"schoolmsg/internal/domain"

	"github.com/gorilla/websocket"
)

// WSConfig configures the websocket transport.
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
	Logger           *slog.Logger
}

// WebSocketTransport dials the service push endpoint with gorilla/websocket.
// The token travels as a bearer header on the upgrade request.
type WebSocketTransport struct {
	url              string
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	logger           *slog.Logger
}

// NewWebSocketTransport creates a transport for cfg.URL.
func NewWebSocketTransport(cfg WSConfig) *WebSocketTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketTransport{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout,
		writeTimeout:     cfg.WriteTimeout,
		pingInterval:     cfg.PingInterval,
		logger:           cfg.Logger,
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context, token string) (domain.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &wsConn{
		conn:         conn,
		writeTimeout: t.writeTimeout,
		logger:       t.logger,
		done:         make(chan struct{}),
	}
	if t.pingInterval > 0 {
		pongWait := 2 * t.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		c.pongWait = pongWait
		go c.pingLoop(t.pingInterval)
	}
	return c, nil
}

// wsConn serializes writes; gorilla allows one concurrent reader and one writer.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pongWait     time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(ctx context.Context, f domain.Frame) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// Receive returns the next well-formed frame. Frames that are not JSON
// objects are logged and skipped.
func (c *wsConn) Receive() (domain.Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return domain.Frame{}, err
		}
		if c.pongWait > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		}
		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.logger.Warn("invalid websocket frame", "err", err, "size", len(data))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
