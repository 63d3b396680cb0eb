package dispatch

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync/atomic"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// ListenerSource is the display identity of listener workers.
const ListenerSource = "listener"

// Listener consumes exactly one message in place of a destination.
type Listener interface {
	Receive(msg any)
	Cancel()
}

// listenerTransport hands the first message to its listener and then
// disposes the owning worker.
type listenerTransport struct {
	listener atomic.Pointer[Listener]
	onceDone func()
}

func newListenerTransport(l Listener) *listenerTransport {
	t := &listenerTransport{}
	t.listener.Store(&l)
	return t
}

func (t *listenerTransport) Init(*url.URL, model.Properties) error { return nil }

func (t *listenerTransport) Send(_ context.Context, msg any) error {
	l := t.listener.Swap(nil)
	if l == nil {
		return transport.Failure(ErrListenerConsumed)
	}
	(*l).Receive(msg)
	if t.onceDone != nil {
		t.onceDone()
	}
	return nil
}

func (t *listenerTransport) SendTo(context.Context, any, string, string, model.Properties) error {
	return transport.ErrUnsupported
}

func (t *listenerTransport) AddPath(string, transport.Callback) error {
	return transport.ErrUnsupported
}
func (t *listenerTransport) RemovePath(string, transport.Callback) error {
	return transport.ErrUnsupported
}
func (t *listenerTransport) SupportsTLS() bool              { return false }
func (t *listenerTransport) SetTLSConfig(*tls.Config) error { return transport.ErrUnsupported }

// Dispose cancels the listener if it never received a message.
func (t *listenerTransport) Dispose() {
	if l := t.listener.Swap(nil); l != nil {
		(*l).Cancel()
	}
}
