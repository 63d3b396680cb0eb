// Package mqtt publishes messages to an MQTT broker and subscribes routed
// paths as topics.
package mqtt

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

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Schemes served by this transport.
var Schemes = []string{"mqtt", "mqtts"}

var errTimeout = errors.New("mqtt operation timeout")

type Transport struct {
	broker   string
	topic    string
	clientID string
	qos      byte
	user     string
	pass     string
	timeout  time.Duration
	codec    transport.Marshaller
	logger   *slog.Logger
	mux      *transport.PathMux

	mu        sync.Mutex
	tlsConfig *tls.Config
	client    paho.Client
}

func New() transport.Transporter {
	return &Transport{
		logger: slog.Default().With("component", "mqtt"),
		mux:    transport.NewPathMux(),
	}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	if u.Hostname() == "" {
		return transport.Validationf("broker host must be set")
	}
	scheme, port := "tcp", "1883"
	if u.Scheme == "mqtts" {
		scheme, port = "ssl", "8883"
	}
	if u.Port() != "" {
		port = u.Port()
	}

	q := u.Query()
	qos := 0
	if raw := q.Get("qos"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 2 {
			return transport.Validationf("qos %q must be 0, 1 or 2", raw)
		}
		qos = n
	}
	clientID := q.Get("clientid")
	if clientID == "" {
		clientID = "courier-" + uuid.NewString()[:8]
	}

	timeout, err := transport.TimeoutOf(props, model.PropertyMQTTTimeout, transport.DefaultTimeout)
	if err != nil {
		return err
	}
	codec, err := transport.MarshallerFor(props)
	if err != nil {
		return err
	}

	t.broker = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(u.Hostname(), port))
	t.topic = topicFor(u.Path)
	t.clientID = clientID
	t.qos = byte(qos)
	if u.User != nil {
		t.user = u.User.Username()
		t.pass, _ = u.User.Password()
	}
	t.timeout = timeout
	t.codec = codec
	t.logger = t.logger.With("broker", t.broker)
	return nil
}

func topicFor(path string) string {
	return strings.Trim(path, "/")
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

// SendTo publishes to the topic named by path, or the destination's topic
// when path is empty.
func (t *Transport) SendTo(ctx context.Context, msg any, _, path string, _ model.Properties) error {
	topic := t.topic
	if path != "" {
		topic = topicFor(path)
	}
	if topic == "" {
		return transport.Validationf("mqtt topic must be set")
	}

	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}

	client, err := t.connect()
	if err != nil {
		return err
	}

	token := client.Publish(topic, t.qos, false, data)
	if err := wait(ctx, token, t.timeout); err != nil {
		return transport.Connectivity(fmt.Errorf("publish %s: %w", topic, err))
	}

	t.logger.Debug("message published", "topic", topic, "qos", t.qos, "size", len(data))
	return nil
}

// AddPath subscribes the path's topic on its first callback.
func (t *Transport) AddPath(path string, cb transport.Callback) error {
	if !t.mux.Add(path, cb) {
		return nil
	}
	client, err := t.connect()
	if err == nil {
		err = t.subscribe(client, path)
	}
	if err != nil {
		t.mux.Remove(path, cb)
		return err
	}
	return nil
}

// RemovePath unsubscribes the path's topic with its last callback.
func (t *Transport) RemovePath(path string, cb transport.Callback) error {
	last, found := t.mux.Remove(path, cb)
	if !found {
		return transport.Validationf("callback not registered on %q", path)
	}
	if !last {
		return nil
	}

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil
	}
	token := client.Unsubscribe(topicFor(path))
	if err := wait(context.Background(), token, t.timeout); err != nil {
		return transport.Connectivity(fmt.Errorf("unsubscribe %s: %w", path, err))
	}
	return nil
}

func (t *Transport) Dispose() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	t.mux.Clear()
}

func (t *Transport) connect() (paho.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.client.IsConnectionOpen() {
		return t.client, nil
	}
	if t.client != nil {
		// Auto reconnect is still running for the old client.
		if t.client.IsConnected() {
			return nil, transport.Connectivity(errors.New("mqtt reconnecting"))
		}
		t.client.Disconnect(0)
		t.client = nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(t.broker)
	opts.SetClientID(t.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(t.timeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if t.user != "" {
		opts.SetUsername(t.user)
		opts.SetPassword(t.pass)
	}
	if t.tlsConfig != nil {
		opts.SetTLSConfig(t.tlsConfig)
	}

	opts.OnConnect = func(c paho.Client) {
		t.logger.Info("mqtt connection established", "client_id", t.clientID)
		for _, path := range t.mux.Paths() {
			if err := t.subscribe(c, path); err != nil {
				t.logger.Warn("failed to resubscribe", "path", path, "error", err)
			}
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		t.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	client := paho.NewClient(opts)
	if err := wait(context.Background(), client.Connect(), t.timeout); err != nil {
		client.Disconnect(0)
		return nil, transport.Connectivity(fmt.Errorf("connect %s: %w", t.broker, err))
	}
	t.client = client
	return client, nil
}

func (t *Transport) subscribe(client paho.Client, path string) error {
	topic := topicFor(path)
	token := client.Subscribe(topic, t.qos, func(_ paho.Client, m paho.Message) {
		msg, err := t.codec.Unmarshal(m.Payload())
		if err != nil {
			t.logger.Debug("dropping undecodable message", "topic", m.Topic(), "error", err)
			return
		}
		t.mux.Dispatch(path, msg)
	})
	if err := wait(context.Background(), token, t.timeout); err != nil {
		return transport.Connectivity(fmt.Errorf("subscribe %s: %w", topic, err))
	}
	return nil
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTimeout
	}
}
