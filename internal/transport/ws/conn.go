package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errNotConnected    = errors.New("not connected")
	errStaleConnection = errors.New("connection stale (no pong)")
)

type connConfig struct {
	URL          string
	Header       http.Header
	TLS          *tls.Config
	Timeout      time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// conn is one WebSocket connection. Inbound frames go to onMessage until the
// connection drops or is closed.
type conn struct {
	cfg       connConfig
	logger    *slog.Logger
	onMessage func(data []byte)

	ws   *websocket.Conn
	done chan struct{}

	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	lastPongAt time.Time
	closed     bool
}

func dial(ctx context.Context, cfg connConfig, onMessage func([]byte), logger *slog.Logger) (*conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.Timeout,
		TLSClientConfig:  cfg.TLS,
		Proxy:            http.ProxyFromEnvironment,
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, err
	}

	c := &conn{
		cfg:        cfg,
		logger:     logger,
		onMessage:  onMessage,
		ws:         ws,
		done:       make(chan struct{}),
		connected:  true,
		lastPongAt: time.Now(),
	}

	// Server pings count as liveness too.
	ws.SetPingHandler(func(data string) error {
		c.touch()
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	logger.Debug("websocket connected", "url", cfg.URL)
	return c, nil
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

func (c *conn) alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && !c.closed
}

func (c *conn) write(messageType int, data []byte) error {
	if !c.alive() {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.ws.Close()
}

func (c *conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("websocket read failed", "url", c.cfg.URL, "error", err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *conn) heartbeatLoop() {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.cfg.Timeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			last := c.lastPongAt
			c.mu.RUnlock()

			if time.Since(last) > c.cfg.PingTimeout {
				c.logger.Warn("websocket stale, closing",
					"url", c.cfg.URL,
					"last_pong", last,
					"timeout", c.cfg.PingTimeout,
					"error", errStaleConnection,
				)
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				c.ws.Close()
				return
			}
		}
	}
}
