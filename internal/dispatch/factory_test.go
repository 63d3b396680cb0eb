package dispatch

import (
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transport"
	"github.com/rickgao/courier/internal/transport/transporttest"
)

type testListener struct {
	mu        sync.Mutex
	received  []any
	cancelled int
}

func (l *testListener) Receive(msg any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received = append(l.received, msg)
}

func (l *testListener) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled++
}

func (l *testListener) snapshot() ([]any, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.received...), l.cancelled
}

func TestFactory_OpenValidatesProperties(t *testing.T) {
	registry, _ := transporttest.NewRegistry()
	f := NewFactory(FactoryConfig{}, registry, nil)

	tests := []struct {
		name  string
		uri   string
		props model.Properties
	}{
		{"no scheme", "localhost:80", nil},
		{"unknown scheme", "gopher://host", nil},
		{"period too short", "mock://h", model.Properties{model.PropertyResendPeriod: "999"}},
		{"period not a number", "mock://h", model.Properties{model.PropertyResendPeriod: "often"}},
		{"queue too small", "mock://h", model.Properties{model.PropertyQueueSize: "0"}},
		{"unknown transformer", "mock://h", model.Properties{model.PropertyTransformer: "rot13"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Open("id", tt.uri, tt.props)
			assert.ErrorIs(t, err, transport.ErrValidation)
		})
	}
}

func TestFactory_OpenAppliesConfig(t *testing.T) {
	registry, fakes := transporttest.NewRegistry()
	f := NewFactory(FactoryConfig{EscalateAfter: time.Minute}, registry, nil)

	w, err := f.Open("id", "mock://host/base", model.Properties{
		model.PropertyResendPeriod: "2000",
		model.PropertyQueueSize:    "5",
		model.PropertyTransformer:  "envelope",
	})
	require.NoError(t, err)
	defer w.Dispose()

	assert.Equal(t, 2*time.Second, w.cfg.ResendPeriod)
	assert.Equal(t, 5, w.cfg.QueueSize)
	assert.Equal(t, time.Minute, w.cfg.EscalateAfter)
	assert.NotNil(t, w.transformer)
	assert.Equal(t, "mock://host/base", w.Source())
	assert.Equal(t, "/base", w.BasePath())
	assert.Equal(t, "host", fakes.ByHost("host").URI().Host)
}

func TestFactory_InitFailureDisposesTransport(t *testing.T) {
	registry, fakes := transporttest.NewRegistry()
	fakes.Prepare = func(f *transporttest.Fake) { f.FailInit(errors.New("missing topic")) }
	f := NewFactory(FactoryConfig{}, registry, nil)

	_, err := f.Open("id", "mock://host", nil)
	assert.ErrorIs(t, err, transport.ErrValidation)
	require.Len(t, fakes.Created(), 1)
	assert.Equal(t, 1, fakes.Created()[0].Disposed())
}

func TestFactory_InjectsTLS(t *testing.T) {
	registry, fakes := transporttest.NewRegistry()
	fakes.Prepare = func(f *transporttest.Fake) { f.SupportTLS() }
	want := &tls.Config{ServerName: "broker"}
	var asked string
	f := NewFactory(FactoryConfig{}, registry, nil, WithTLSProvider(func(id string) (*tls.Config, error) {
		asked = id
		return want, nil
	}))

	w, err := f.Open("sub-1", "mock://host", nil)
	require.NoError(t, err)
	defer w.Dispose()

	assert.Equal(t, "sub-1", asked)
	assert.Same(t, want, fakes.ByHost("host").TLSConfig())
}

func TestListenerWorker_DeliversOnceAndDisposes(t *testing.T) {
	registry, _ := transporttest.NewRegistry()
	f := NewFactory(FactoryConfig{}, registry, nil)
	l := &testListener{}

	w, err := f.OpenListener(l, nil)
	require.NoError(t, err)
	assert.Equal(t, ListenerSource, w.Source())
	assert.ErrorIs(t, w.AddPath("/p", nil), transport.ErrUnsupported)

	h := w.Submit("tag")
	waitAll(t, h)
	require.NoError(t, h.Err())

	require.Eventually(t, w.Disposed, time.Second, time.Millisecond)
	assert.ErrorIs(t, w.Submit("again").Err(), ErrDisposed)

	received, cancelled := l.snapshot()
	assert.Equal(t, []any{"tag"}, received)
	assert.Equal(t, 0, cancelled)
}

func TestListenerWorker_DisposeCancelsUnusedListener(t *testing.T) {
	registry, _ := transporttest.NewRegistry()
	f := NewFactory(FactoryConfig{}, registry, nil)
	l := &testListener{}

	w, err := f.OpenListener(l, nil)
	require.NoError(t, err)
	w.Dispose()

	received, cancelled := l.snapshot()
	assert.Empty(t, received)
	assert.Equal(t, 1, cancelled)
}
