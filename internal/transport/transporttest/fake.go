// Package transporttest provides an in-memory Transporter for tests.
package transporttest

import (
	"context"
	"crypto/tls"
	"errors"
	"net/url"
	"sync"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
)

// ErrDown is the cause of connectivity failures while a Fake is down.
var ErrDown = errors.New("destination down")

// Sent records one delivered message.
type Sent struct {
	Msg   any
	Name  string
	Path  string
	Props model.Properties
}

// Fake is a scriptable Transporter.
type Fake struct {
	mu        sync.Mutex
	uri       *url.URL
	props     model.Properties
	sent      []Sent
	attempts  int
	failNext  int
	failErr   error
	down      bool
	gate      chan struct{}
	paths     map[string]int
	tlsOK     bool
	tlsConfig *tls.Config
	initErr   error
	pathErr   error
	disposed  int

	// Delivered receives every successful send when non-nil.
	Delivered chan Sent

	// OnDispose, when set, runs at the end of Dispose.
	OnDispose func()
}

// NewFake creates a Fake with a buffered Delivered channel.
func NewFake() *Fake {
	return &Fake{paths: make(map[string]int), Delivered: make(chan Sent, 1024)}
}

func (f *Fake) Init(u *url.URL, props model.Properties) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uri = u
	f.props = props
	return f.initErr
}

func (f *Fake) Send(ctx context.Context, msg any) error {
	return f.SendTo(ctx, msg, "", "", nil)
}

func (f *Fake) SendTo(ctx context.Context, msg any, name, path string, props model.Properties) error {
	f.mu.Lock()
	f.attempts++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return transport.Connectivity(ErrDown)
	}
	if f.failNext > 0 {
		f.failNext--
		err := f.failErr
		f.mu.Unlock()
		return err
	}
	s := Sent{Msg: msg, Name: name, Path: path, Props: props}
	f.sent = append(f.sent, s)
	f.mu.Unlock()

	if f.Delivered != nil {
		select {
		case f.Delivered <- s:
		default:
		}
	}
	return nil
}

func (f *Fake) AddPath(path string, _ transport.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pathErr != nil {
		return f.pathErr
	}
	f.paths[path]++
	return nil
}

func (f *Fake) RemovePath(path string, _ transport.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paths[path] > 1 {
		f.paths[path]--
	} else {
		delete(f.paths, path)
	}
	return nil
}

func (f *Fake) SupportsTLS() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tlsOK
}

func (f *Fake) SetTLSConfig(cfg *tls.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tlsConfig = cfg
	return nil
}

func (f *Fake) Dispose() {
	f.mu.Lock()
	f.disposed++
	f.mu.Unlock()
	if f.OnDispose != nil {
		f.OnDispose()
	}
}

// FailNext makes the next n sends return err.
func (f *Fake) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failErr = err
}

// SetDown toggles persistent connectivity failures.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Hold makes sends block until Release is called or their context ends.
func (f *Fake) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks held sends.
func (f *Fake) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// SupportTLS makes SupportsTLS report true.
func (f *Fake) SupportTLS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tlsOK = true
}

// FailInit makes Init return err.
func (f *Fake) FailInit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// FailAddPath makes AddPath return err.
func (f *Fake) FailAddPath(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pathErr = err
}

// URI returns the destination passed to Init.
func (f *Fake) URI() *url.URL {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uri
}

// Props returns the properties passed to Init.
func (f *Fake) Props() model.Properties {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props
}

// Sent returns the successful sends in order.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Attempts counts every send call, including failures.
func (f *Fake) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Paths returns the registration count per path.
func (f *Fake) Paths() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.paths))
	for k, v := range f.paths {
		out[k] = v
	}
	return out
}

// TLSConfig returns the injected TLS config.
func (f *Fake) TLSConfig() *tls.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tlsConfig
}

// Disposed counts Dispose calls.
func (f *Fake) Disposed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// Factory creates Fakes and remembers them by host.
type Factory struct {
	mu      sync.Mutex
	created []*Fake

	// Prepare, when set, is applied to each Fake before it is returned.
	Prepare func(*Fake)
}

// New implements transport.Factory.
func (fa *Factory) New() transport.Transporter {
	f := NewFake()
	if fa.Prepare != nil {
		fa.Prepare(f)
	}
	fa.mu.Lock()
	fa.created = append(fa.created, f)
	fa.mu.Unlock()
	return f
}

// Created returns every Fake made so far.
func (fa *Factory) Created() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.created...)
}

// ByHost returns the most recent Fake initialized with host.
func (fa *Factory) ByHost(host string) *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	for i := len(fa.created) - 1; i >= 0; i-- {
		if u := fa.created[i].URI(); u != nil && u.Host == host {
			return fa.created[i]
		}
	}
	return nil
}

// NewRegistry returns a registry serving Fakes for the "mock" scheme.
func NewRegistry() (*transport.Registry, *Factory) {
	fa := &Factory{}
	r := transport.NewRegistry()
	r.Register(fa.New, "mock")
	return r, fa
}
