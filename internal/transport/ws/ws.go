// Package ws delivers messages over WebSocket connections, one connection
// per path. Paths registered with AddPath also receive inbound frames.
package ws

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Schemes served by this transport.
var Schemes = []string{"ws", "wss"}

// Heartbeat defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPingTimeout  = 90 * time.Second
)

type Transport struct {
	base   *url.URL
	header http.Header
	codec  transport.Marshaller
	cfg    connConfig
	logger *slog.Logger
	mux    *transport.PathMux

	mu       sync.Mutex
	conns    map[string]*conn
	disposed bool
}

func New() transport.Transporter {
	return &Transport{
		logger: slog.Default().With("component", "ws"),
		mux:    transport.NewPathMux(),
		conns:  make(map[string]*conn),
	}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	if u.Host == "" {
		return transport.Validationf("destination host must be set")
	}
	timeout, err := transport.TimeoutOf(props, model.PropertyWSTimeout, transport.DefaultTimeout)
	if err != nil {
		return err
	}
	codec, err := transport.MarshallerFor(props)
	if err != nil {
		return err
	}

	base := *u
	header := http.Header{}
	header.Set("Accept", codec.ContentType())
	if base.User != nil {
		pass, _ := base.User.Password()
		token := base64.StdEncoding.EncodeToString([]byte(base.User.Username() + ":" + pass))
		header.Set("Authorization", "Basic "+token)
		base.User = nil
	}

	t.base = &base
	t.header = header
	t.codec = codec
	t.cfg = connConfig{
		Timeout:      timeout,
		PingInterval: DefaultPingInterval,
		PingTimeout:  DefaultPingTimeout,
	}
	return nil
}

func (t *Transport) SupportsTLS() bool { return true }

// SetTLSConfig applies to connections dialed afterwards.
func (t *Transport) SetTLSConfig(cfg *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg != nil {
		cfg = cfg.Clone()
	}
	t.cfg.TLS = cfg
	return nil
}

func (t *Transport) Send(ctx context.Context, msg any) error {
	return t.SendTo(ctx, msg, "", "", nil)
}

func (t *Transport) SendTo(ctx context.Context, msg any, _, path string, _ model.Properties) error {
	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if t.codec.ContentType() == transport.MimeMsgpack {
		messageType = websocket.BinaryMessage
	}

	c, err := t.connFor(ctx, path)
	if err != nil {
		return err
	}
	if err := c.write(messageType, data); err != nil {
		t.drop(path, c)
		return transport.Connectivity(fmt.Errorf("write %s: %w", c.cfg.URL, err))
	}
	return nil
}

// AddPath dials path when it gains its first callback.
func (t *Transport) AddPath(path string, cb transport.Callback) error {
	if !t.mux.Add(path, cb) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()
	if _, err := t.connFor(ctx, path); err != nil {
		t.mux.Remove(path, cb)
		return err
	}
	return nil
}

// RemovePath closes the path's connection with its last callback. A later
// send dials again.
func (t *Transport) RemovePath(path string, cb transport.Callback) error {
	last, found := t.mux.Remove(path, cb)
	if !found {
		return transport.Validationf("callback not registered on %q", path)
	}
	if last {
		t.mu.Lock()
		c := t.conns[path]
		delete(t.conns, path)
		t.mu.Unlock()
		if c != nil {
			c.close()
		}
	}
	return nil
}

func (t *Transport) Dispose() {
	t.mu.Lock()
	t.disposed = true
	conns := t.conns
	t.conns = make(map[string]*conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	t.mux.Clear()
}

func (t *Transport) connFor(ctx context.Context, path string) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		return nil, fmt.Errorf("%w: transport disposed", transport.ErrTransport)
	}
	if c, ok := t.conns[path]; ok {
		if c.alive() {
			return c, nil
		}
		c.close()
		delete(t.conns, path)
	}

	target := *t.base
	if path != "" {
		target.Path = path
		target.RawPath = ""
	}
	cfg := t.cfg
	cfg.URL = target.String()
	cfg.Header = t.header

	c, err := dial(ctx, cfg, func(data []byte) { t.arrived(path, data) }, t.logger)
	if err != nil {
		return nil, transport.Connectivity(fmt.Errorf("dial %s: %w", cfg.URL, err))
	}
	t.conns[path] = c
	return c, nil
}

func (t *Transport) drop(path string, c *conn) {
	t.mu.Lock()
	if t.conns[path] == c {
		delete(t.conns, path)
	}
	t.mu.Unlock()
	c.close()
}

func (t *Transport) arrived(path string, data []byte) {
	msg, err := t.codec.Unmarshal(data)
	if err != nil {
		t.logger.Debug("dropping undecodable frame", "path", path, "error", err)
		return
	}
	t.mux.Dispatch(path, msg)
}
