// Package http delivers messages as HTTP requests.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Schemes served by this transport.
var Schemes = []string{"http", "https"}

// NameHeader carries the subscriptor name on routed sends.
const NameHeader = "X-Courier-Name"

const maxErrorBody = 4 << 10

// StatusError is returned for responses with a status of 400 or above.
type StatusError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the destination may accept the request later.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == nethttp.StatusTooManyRequests
}

// Transport posts each message to the destination URL.
type Transport struct {
	transport.Outbound

	base   *url.URL
	user   *url.Userinfo
	method string
	bypass bool
	codec  transport.Marshaller

	mu     sync.RWMutex
	rt     *nethttp.Transport
	client *nethttp.Client
}

func New() transport.Transporter {
	return &Transport{}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	if u.Host == "" {
		return transport.Validationf("destination host must be set")
	}
	timeout, err := transport.TimeoutOf(props, model.PropertyHTTPTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	method, err := methodOf(props)
	if err != nil {
		return err
	}
	bypass, _, err := props.Bool(model.PropertyHTTPSBypassSSL)
	if err != nil {
		return transport.Validationf("%s: %v", model.PropertyHTTPSBypassSSL, err)
	}
	codec, err := transport.MarshallerFor(props)
	if err != nil {
		return err
	}

	base := *u
	t.user = base.User
	base.User = nil
	t.base = &base
	t.method = method
	t.bypass = bypass && u.Scheme == "https"
	t.codec = codec

	t.rt = nethttp.DefaultTransport.(*nethttp.Transport).Clone()
	if t.bypass {
		t.rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	t.client = &nethttp.Client{Timeout: timeout, Transport: t.rt}
	return nil
}

func methodOf(props model.Properties) (string, error) {
	m, ok := props.Get(model.PropertyHTTPMethod)
	if !ok || m == "" {
		return nethttp.MethodPost, nil
	}
	switch m = strings.ToUpper(m); m {
	case nethttp.MethodPost, nethttp.MethodPut, nethttp.MethodPatch:
		return m, nil
	default:
		return "", transport.Validationf("%s %q not supported", model.PropertyHTTPMethod, m)
	}
}

func (t *Transport) SupportsTLS() bool { return true }

// SetTLSConfig replaces the client TLS material. Bypass of certificate
// verification survives the replacement.
func (t *Transport) SetTLSConfig(cfg *tls.Config) error {
	var c *tls.Config
	if cfg != nil {
		c = cfg.Clone()
	} else {
		c = &tls.Config{}
	}
	if t.bypass {
		c.InsecureSkipVerify = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rt := t.rt.Clone()
	rt.TLSClientConfig = c
	t.rt.CloseIdleConnections()
	t.rt = rt
	t.client = &nethttp.Client{Timeout: t.client.Timeout, Transport: rt}
	return nil
}

func (t *Transport) Send(ctx context.Context, msg any) error {
	return t.SendTo(ctx, msg, "", "", nil)
}

// SendTo replaces the destination path with path when it is set.
func (t *Transport) SendTo(ctx context.Context, msg any, name, path string, _ model.Properties) error {
	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}

	target := *t.base
	if path != "" {
		target.Path = path
		target.RawPath = ""
	}

	req, err := nethttp.NewRequestWithContext(ctx, t.method, target.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", transport.ErrTransport, err)
	}
	req.Header.Set("Content-Type", t.codec.ContentType())
	if name != "" {
		req.Header.Set(NameHeader, name)
	}
	if t.user != nil {
		pass, _ := t.user.Password()
		req.SetBasicAuth(t.user.Username(), pass)
	}

	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		return transport.Connectivity(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Message:    nethttp.StatusText(resp.StatusCode),
			Body:       body,
		}
		if statusErr.IsRetryable() {
			return transport.Connectivity(statusErr)
		}
		return transport.Failure(statusErr)
	}
	return nil
}

func (t *Transport) Dispose() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rt != nil {
		t.rt.CloseIdleConnections()
	}
}
