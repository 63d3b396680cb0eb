// Package tcp delivers messages as newline-terminated frames over TCP.
package tcp

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// Scheme is the URI scheme served by this transport.
const Scheme = "tcp"

// Transport dials the destination for every send.
type Transport struct {
	transport.Outbound

	addr    string
	timeout time.Duration
	codec   transport.Marshaller
}

// New returns an uninitialized Transport.
func New() transport.Transporter {
	return &Transport{}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	addr, err := transport.HostPort(u)
	if err != nil {
		return err
	}
	timeout, err := transport.TimeoutOf(props, model.PropertyTCPTimeout, transport.DefaultTimeout)
	if err != nil {
		return err
	}
	codec, err := transport.MarshallerFor(props)
	if err != nil {
		return err
	}
	t.addr, t.timeout, t.codec = addr, timeout, codec
	return nil
}

func (t *Transport) Send(ctx context.Context, msg any) error {
	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return transport.Connectivity(fmt.Errorf("dial %s: %w", t.addr, err))
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return transport.Connectivity(fmt.Errorf("write %s: %w", t.addr, err))
	}
	return nil
}

// SendTo ignores name and path: a TCP destination has a single endpoint.
func (t *Transport) SendTo(ctx context.Context, msg any, _, _ string, _ model.Properties) error {
	return t.Send(ctx, msg)
}

func (t *Transport) Dispose() {}
