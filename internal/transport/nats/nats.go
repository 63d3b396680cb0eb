// Package nats publishes messages on NATS subjects. Paths map to subjects
// with '/' separators replaced by '.'.
package nats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Schemes served by this transport.
var Schemes = []string{"nats", "tls+nats"}

const defaultPort = "4222"

type Transport struct {
	server  string
	subject string
	user    string
	pass    string
	timeout time.Duration
	codec   transport.Marshaller
	logger  *slog.Logger
	mux     *transport.PathMux

	mu        sync.Mutex
	tlsConfig *tls.Config
	nc        *natsgo.Conn
	subs      map[string]*natsgo.Subscription
}

func New() transport.Transporter {
	return &Transport{
		logger: slog.Default().With("component", "nats"),
		mux:    transport.NewPathMux(),
		subs:   make(map[string]*natsgo.Subscription),
	}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	if u.Hostname() == "" {
		return transport.Validationf("server host must be set")
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	scheme := "nats"
	if u.Scheme == "tls+nats" {
		scheme = "tls"
	}

	timeout, err := transport.TimeoutOf(props, model.PropertyNATSTimeout, transport.DefaultTimeout)
	if err != nil {
		return err
	}
	codec, err := transport.MarshallerFor(props)
	if err != nil {
		return err
	}

	t.server = scheme + "://" + net.JoinHostPort(u.Hostname(), port)
	t.subject = subjectFor(u.Path)
	if u.User != nil {
		t.user = u.User.Username()
		t.pass, _ = u.User.Password()
	}
	t.timeout = timeout
	t.codec = codec
	t.logger = t.logger.With("server", t.server)
	return nil
}

func subjectFor(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (t *Transport) SupportsTLS() bool { return true }

// SetTLSConfig applies on the next connect.
func (t *Transport) SetTLSConfig(cfg *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg != nil {
		cfg = cfg.Clone()
	}
	t.tlsConfig = cfg
	return nil
}

func (t *Transport) Send(ctx context.Context, msg any) error {
	return t.SendTo(ctx, msg, "", "", nil)
}

// SendTo publishes on the subject named by path, or the destination's
// subject when path is empty, and flushes before returning.
func (t *Transport) SendTo(ctx context.Context, msg any, _, path string, _ model.Properties) error {
	subject := t.subject
	if path != "" {
		subject = subjectFor(path)
	}
	if subject == "" {
		return transport.Validationf("nats subject must be set")
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}

	nc, err := t.connect()
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, data); err != nil {
		return transport.Connectivity(fmt.Errorf("publish %s: %w", subject, err))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := nc.FlushWithContext(ctx); err != nil {
		return transport.Connectivity(fmt.Errorf("flush %s: %w", subject, err))
	}
	return nil
}

// AddPath subscribes the path's subject on its first callback.
func (t *Transport) AddPath(path string, cb transport.Callback) error {
	if !t.mux.Add(path, cb) {
		return nil
	}
	if err := t.subscribe(path); err != nil {
		t.mux.Remove(path, cb)
		return err
	}
	return nil
}

func (t *Transport) subscribe(path string) error {
	subject := subjectFor(path)
	if subject == "" {
		return transport.Validationf("nats subject must be set")
	}
	nc, err := t.connect()
	if err != nil {
		return err
	}

	sub, err := nc.Subscribe(subject, func(m *natsgo.Msg) {
		msg, err := t.codec.Unmarshal(m.Data)
		if err != nil {
			t.logger.Debug("dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}
		t.mux.Dispatch(path, msg)
	})
	if err != nil {
		return transport.Connectivity(fmt.Errorf("subscribe %s: %w", subject, err))
	}

	t.mu.Lock()
	t.subs[path] = sub
	t.mu.Unlock()
	return nil
}

// RemovePath unsubscribes the path's subject with its last callback.
func (t *Transport) RemovePath(path string, cb transport.Callback) error {
	last, found := t.mux.Remove(path, cb)
	if !found {
		return transport.Validationf("callback not registered on %q", path)
	}
	if !last {
		return nil
	}

	t.mu.Lock()
	sub := t.subs[path]
	delete(t.subs, path)
	t.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			return transport.Connectivity(fmt.Errorf("unsubscribe %s: %w", sub.Subject, err))
		}
	}
	return nil
}

func (t *Transport) Dispose() {
	t.mu.Lock()
	nc := t.nc
	t.nc = nil
	t.subs = make(map[string]*natsgo.Subscription)
	t.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	t.mux.Clear()
}

func (t *Transport) connect() (*natsgo.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil && !t.nc.IsClosed() {
		return t.nc, nil
	}

	opts := []natsgo.Option{
		natsgo.Name("courier"),
		natsgo.Timeout(t.timeout),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				t.logger.Warn("nats disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			t.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if t.user != "" {
		opts = append(opts, natsgo.UserInfo(t.user, t.pass))
	}
	if t.tlsConfig != nil {
		opts = append(opts, natsgo.Secure(t.tlsConfig))
	}

	nc, err := natsgo.Connect(t.server, opts...)
	if err != nil {
		return nil, transport.Connectivity(fmt.Errorf("connect %s: %w", t.server, err))
	}
	t.nc = nc
	return nc, nil
}
