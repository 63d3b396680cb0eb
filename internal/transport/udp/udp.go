// Package udp delivers each message as a single datagram.
package udp

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
const Scheme = "udp"

// MaxDatagram is the largest payload sent in one datagram.
const MaxDatagram = 65507

type Transport struct {
	transport.Outbound

	addr    string
	timeout time.Duration
	codec   transport.Marshaller
}

func New() transport.Transporter {
	return &Transport{}
}

func (t *Transport) Init(u *url.URL, props model.Properties) error {
	addr, err := transport.HostPort(u)
	if err != nil {
		return err
	}
	timeout, err := transport.TimeoutOf(props, model.PropertyUDPTimeout, transport.DefaultTimeout)
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
	if len(data) > MaxDatagram {
		return fmt.Errorf("%w: payload of %d bytes exceeds datagram size", transport.ErrTransport, len(data))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", t.addr)
	if err != nil {
		return transport.Connectivity(fmt.Errorf("dial %s: %w", t.addr, err))
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(t.timeout))
	if _, err := conn.Write(data); err != nil {
		return transport.Connectivity(fmt.Errorf("write %s: %w", t.addr, err))
	}
	return nil
}

func (t *Transport) SendTo(ctx context.Context, msg any, _, _ string, _ model.Properties) error {
	return t.Send(ctx, msg)
}

func (t *Transport) Dispose() {}
