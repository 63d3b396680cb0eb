// Package redis publishes messages on Redis pub/sub channels.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Schemes served by this transport.
var Schemes = []string{"redis", "rediss"}

const defaultPort = "6379"

type Transport struct {
	opts    *goredis.Options
	channel string
	timeout time.Duration
	codec   transport.Marshaller
	logger  *slog.Logger
	mux     *transport.PathMux

	mu     sync.Mutex
	client *goredis.Client
	pubsub *goredis.PubSub
	// patterns maps subscribed channel patterns back to their paths.
	patterns map[string]string
}

func New() transport.Transporter {
	return &Transport{
		logger:   slog.Default().With("component", "redis"),
		mux:      transport.NewPathMux(),
		patterns: make(map[string]string),
	}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	if u.Hostname() == "" {
		return transport.Validationf("redis host must be set")
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	timeout, err := transport.TimeoutOf(props, model.PropertyRedisTimeout, transport.DefaultTimeout)
	if err != nil {
		return err
	}
	codec, err := transport.MarshallerFor(props)
	if err != nil {
		return err
	}

	opts := &goredis.Options{
		Addr:         net.JoinHostPort(u.Hostname(), port),
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1,
	}
	if raw := u.Query().Get("db"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return transport.Validationf("redis db %q must be a non-negative integer", raw)
		}
		opts.DB = db
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	if u.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	}

	t.opts = opts
	t.channel = channelFor(u.Path)
	t.timeout = timeout
	t.codec = codec
	t.logger = t.logger.With("addr", opts.Addr)
	return nil
}

func channelFor(path string) string {
	return strings.TrimPrefix(path, "/")
}

func (t *Transport) SupportsTLS() bool { return true }

// SetTLSConfig applies to connections made afterwards.
func (t *Transport) SetTLSConfig(cfg *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg == nil {
		t.opts.TLSConfig = nil
		return nil
	}
	c := cfg.Clone()
	if c.ServerName == "" {
		host, _, _ := net.SplitHostPort(t.opts.Addr)
		c.ServerName = host
	}
	t.opts.TLSConfig = c
	if t.client != nil {
		t.closeLocked()
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, msg any) error {
	return t.SendTo(ctx, msg, "", "", nil)
}

// SendTo publishes on the channel named by path, or the destination's
// channel when path is empty.
func (t *Transport) SendTo(ctx context.Context, msg any, _, path string, _ model.Properties) error {
	channel := t.channel
	if path != "" {
		channel = channelFor(path)
	}
	if channel == "" {
		return transport.Validationf("redis channel must be set")
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.conn().Publish(ctx, channel, data).Err(); err != nil {
		return classify(fmt.Errorf("publish %s: %w", channel, err))
	}
	return nil
}

// classify treats server replies as transport failures and everything else
// as connectivity.
func classify(err error) error {
	var reply goredis.Error
	if errors.As(err, &reply) {
		return transport.Failure(err)
	}
	return transport.Connectivity(err)
}

// AddPath pattern-subscribes the path's channel on its first callback.
func (t *Transport) AddPath(path string, cb transport.Callback) error {
	if !t.mux.Add(path, cb) {
		return nil
	}
	pattern := channelFor(path)
	if pattern == "" {
		t.mux.Remove(path, cb)
		return transport.Validationf("redis channel must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub == nil {
		t.pubsub = t.connLocked().PSubscribe(ctx)
		go t.receive(t.pubsub)
	}
	if err := t.pubsub.PSubscribe(ctx, pattern); err != nil {
		t.mux.Remove(path, cb)
		return classify(fmt.Errorf("psubscribe %s: %w", pattern, err))
	}
	t.patterns[pattern] = path
	return nil
}

// RemovePath drops the subscription with the path's last callback.
func (t *Transport) RemovePath(path string, cb transport.Callback) error {
	last, found := t.mux.Remove(path, cb)
	if !found {
		return transport.Validationf("callback not registered on %q", path)
	}
	if !last {
		return nil
	}

	pattern := channelFor(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.patterns, pattern)
	if t.pubsub == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.pubsub.PUnsubscribe(ctx, pattern); err != nil {
		return classify(fmt.Errorf("punsubscribe %s: %w", pattern, err))
	}
	return nil
}

func (t *Transport) receive(ps *goredis.PubSub) {
	for m := range ps.Channel() {
		t.mu.Lock()
		path, ok := t.patterns[m.Pattern]
		t.mu.Unlock()
		if !ok {
			continue
		}
		msg, err := t.codec.Unmarshal([]byte(m.Payload))
		if err != nil {
			t.logger.Debug("dropping undecodable message", "channel", m.Channel, "error", err)
			continue
		}
		t.mux.Dispatch(path, msg)
	}
}

func (t *Transport) Dispose() {
	t.mu.Lock()
	t.closeLocked()
	t.patterns = make(map[string]string)
	t.mu.Unlock()
	t.mux.Clear()
}

func (t *Transport) conn() *goredis.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connLocked()
}

func (t *Transport) connLocked() *goredis.Client {
	if t.client == nil {
		t.client = goredis.NewClient(t.opts)
	}
	return t.client
}

func (t *Transport) closeLocked() {
	if t.pubsub != nil {
		t.pubsub.Close()
		t.pubsub = nil
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil {
			t.logger.Debug("failed to close client", "error", err)
		}
		t.client = nil
	}
}
