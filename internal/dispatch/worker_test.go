package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/monitor"
	"github.com/rickgao/courier/internal/transport"
	"github.com/rickgao/courier/internal/transport/transporttest"
)

type recorder struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (r *recorder) Notify(_ string, e monitor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind monitor.Kind, isError bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Error == isError {
			n++
		}
	}
	return n
}

type nilTransformer struct{}

func (nilTransformer) Init(model.Properties) error { return nil }
func (nilTransformer) Transform(any) (any, error)  { return nil, nil }

type upperTransformer struct{}

func (upperTransformer) Init(model.Properties) error { return nil }
func (upperTransformer) Transform(msg any) (any, error) {
	return fmt.Sprintf("<%v>", msg), nil
}

func newTestWorker(t *testing.T, cfg Config) (*Worker, *transporttest.Fake, *recorder) {
	t.Helper()
	fake := transporttest.NewFake()
	rec := &recorder{}
	if cfg.Source == "" {
		cfg.Source = "mock://dest"
	}
	w := NewWorker(cfg, fake, nil, rec, nil)
	t.Cleanup(w.Dispose)
	return w, fake, rec
}

func waitAll(t *testing.T, handles ...*Handle) {
	t.Helper()
	for i, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("handle %d did not complete", i)
		}
	}
}

func TestWorker_FIFOAcrossRetries(t *testing.T) {
	w, fake, _ := newTestWorker(t, Config{ResendPeriod: 5 * time.Millisecond})
	fake.FailNext(3, transport.Connectivity(errors.New("refused")))

	var handles []*Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, w.Submit(i))
	}
	waitAll(t, handles...)

	for _, h := range handles {
		assert.NoError(t, h.Err())
	}
	sent := fake.Sent()
	require.Len(t, sent, 5)
	for i, s := range sent {
		assert.Equal(t, i, s.Msg)
	}
	assert.Equal(t, 8, fake.Attempts())
}

func TestWorker_QueueFullShedsAndRecoversOnce(t *testing.T) {
	w, fake, rec := newTestWorker(t, Config{QueueSize: 2})
	fake.Hold()

	a := w.Submit("a")
	b := w.Submit("b")

	start := time.Now()
	c := w.Submit("c")
	d := w.Submit("d")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "submit must not block")

	assert.True(t, c.IsComplete())
	assert.NoError(t, c.Err())
	assert.True(t, d.IsComplete())
	assert.Equal(t, 1, rec.count(monitor.KindQueueFull, true))
	assert.False(t, w.Healthy())

	fake.Release()
	waitAll(t, a, b)

	require.Eventually(t, func() bool {
		return rec.count(monitor.KindQueueFull, false) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(monitor.KindQueueFull, true))
	assert.True(t, w.Healthy())
	assert.Equal(t, int64(2), w.Stats().Discarded)
	assert.Len(t, fake.Sent(), 2)
}

func TestWorker_ErrorHysteresis(t *testing.T) {
	for _, k := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			w, fake, rec := newTestWorker(t, Config{ResendPeriod: time.Millisecond})
			fake.FailNext(k, transport.Connectivity(errors.New("refused")))

			h := w.Submit("m")
			waitAll(t, h)

			require.NoError(t, h.Err())
			assert.Equal(t, 1, rec.count(monitor.KindDelivery, true))
			assert.Equal(t, 1, rec.count(monitor.KindDelivery, false))
		})
	}
}

func TestWorker_NoResendFailsImmediately(t *testing.T) {
	w, fake, rec := newTestWorker(t, Config{})
	fake.FailNext(2, transport.Connectivity(errors.New("refused")))

	h1 := w.Submit(1)
	h2 := w.Submit(2)
	h3 := w.Submit(3)
	waitAll(t, h1, h2, h3)

	assert.ErrorIs(t, h1.Err(), transport.ErrConnectivity)
	assert.ErrorIs(t, h2.Err(), transport.ErrConnectivity)
	assert.NoError(t, h3.Err())
	assert.Equal(t, 3, fake.Attempts())
	assert.Equal(t, 1, rec.count(monitor.KindDelivery, true))
	assert.Equal(t, 1, rec.count(monitor.KindDelivery, false))
}

func TestWorker_TransportFailureIsNotRetried(t *testing.T) {
	w, fake, _ := newTestWorker(t, Config{ResendPeriod: time.Millisecond})
	fake.FailNext(1, errors.New("bad payload"))

	h := w.Submit("m")
	waitAll(t, h)

	assert.ErrorIs(t, h.Err(), transport.ErrTransport)
	assert.Equal(t, 1, fake.Attempts())
}

func TestWorker_TransformerAbortsWithoutTransport(t *testing.T) {
	fake := transporttest.NewFake()
	rec := &recorder{}
	w := NewWorker(Config{Source: "mock://x"}, fake, nilTransformer{}, rec, nil)
	defer w.Dispose()

	h := w.Submit("m")
	waitAll(t, h)

	assert.ErrorIs(t, h.Err(), transport.ErrTransport)
	assert.Equal(t, 0, fake.Attempts())
	assert.Equal(t, 1, rec.count(monitor.KindDelivery, true))
}

func TestWorker_TransformerOutputIsSent(t *testing.T) {
	fake := transporttest.NewFake()
	w := NewWorker(Config{Source: "mock://x"}, fake, upperTransformer{}, nil, nil)
	defer w.Dispose()

	h := w.SubmitTo("m", "route", "/p", model.Properties{"k": "v"})
	waitAll(t, h)

	require.NoError(t, h.Err())
	sent := fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, transporttest.Sent{Msg: "<m>", Name: "route", Path: "/p", Props: model.Properties{"k": "v"}}, sent[0])
}

func TestWorker_CancelBeforeStart(t *testing.T) {
	w, fake, rec := newTestWorker(t, Config{})
	fake.Hold()

	a := w.Submit("a")
	b := w.Submit("b")
	b.Cancel()
	fake.Release()
	waitAll(t, a, b)

	assert.NoError(t, a.Err())
	assert.ErrorIs(t, b.Err(), context.Canceled)
	assert.True(t, b.Cancelled())
	assert.Len(t, fake.Sent(), 1)
	assert.Equal(t, 0, rec.count(monitor.KindDelivery, true))
}

func TestWorker_CancelInterruptsRetry(t *testing.T) {
	w, fake, _ := newTestWorker(t, Config{ResendPeriod: time.Hour})
	fake.SetDown(true)

	h := w.Submit("a")
	require.Eventually(t, func() bool { return fake.Attempts() == 1 }, time.Second, time.Millisecond)

	h.Cancel()
	waitAll(t, h)
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestWorker_Dispose(t *testing.T) {
	w, fake, _ := newTestWorker(t, Config{})
	fake.Hold()

	a := w.Submit("a")
	require.Eventually(t, func() bool { return fake.Attempts() == 1 }, time.Second, time.Millisecond)
	b := w.Submit("b")

	w.Dispose()
	w.Dispose()
	waitAll(t, a, b)

	assert.ErrorIs(t, a.Err(), context.Canceled)
	assert.ErrorIs(t, b.Err(), ErrDisposed)
	assert.ErrorIs(t, w.Submit("c").Err(), ErrDisposed)
	assert.Equal(t, 1, fake.Disposed())
	assert.True(t, w.Disposed())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.Wait(ctx))
}

func TestWorker_NilMessage(t *testing.T) {
	w, fake, _ := newTestWorker(t, Config{})

	h := w.Submit(nil)
	assert.True(t, h.IsComplete())
	assert.ErrorIs(t, h.Err(), ErrNilMessage)
	assert.Equal(t, 0, fake.Attempts())
}

type fakeClock struct{ nanos atomic.Int64 }

func (c *fakeClock) now() time.Time      { return time.Unix(0, c.nanos.Load()) }
func (c *fakeClock) add(d time.Duration) { c.nanos.Add(int64(d)) }

func TestWorker_EscalatesOncePerOutage(t *testing.T) {
	w, fake, _ := newTestWorker(t, Config{EscalateAfter: 30 * time.Second})
	clock := &fakeClock{}
	clock.nanos.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	w.now = clock.now

	send := func() {
		t.Helper()
		waitAll(t, w.Submit("m"))
	}

	send()
	fake.SetDown(true)
	clock.add(10 * time.Second)
	send()
	assert.Equal(t, int64(0), w.Stats().Escalations)

	clock.add(25 * time.Second)
	send()
	send()
	assert.Equal(t, int64(1), w.Stats().Escalations)

	fake.SetDown(false)
	send()
	fake.SetDown(true)
	clock.add(31 * time.Second)
	send()
	assert.Equal(t, int64(1), w.Stats().Escalations, "first failure after success only starts the clock")
	clock.add(time.Second)
	send()
	assert.Equal(t, int64(2), w.Stats().Escalations)
}

func TestWorker_DownDestinationWithBoundedQueue(t *testing.T) {
	registry, factory := transporttest.NewRegistry()
	factory.Prepare = func(f *transporttest.Fake) { f.SetDown(true) }
	rec := &recorder{}
	f := NewFactory(FactoryConfig{}, registry, nil, WithBroker(rec))

	w, err := f.Open("s1", "mock://down", model.Properties{
		model.PropertyResendPeriod: "1000",
		model.PropertyQueueSize:    "1",
	})
	require.NoError(t, err)
	defer w.Dispose()

	first := w.Submit("m1")
	second := w.Submit("m2")
	third := w.Submit("m3")

	assert.False(t, first.IsComplete(), "first message stays queued while retrying")
	assert.True(t, second.IsComplete())
	assert.True(t, third.IsComplete())
	assert.Equal(t, 1, rec.count(monitor.KindQueueFull, true))

	time.Sleep(1500 * time.Millisecond)
	assert.LessOrEqual(t, rec.count(monitor.KindDelivery, true), 1)
	assert.Equal(t, int64(2), w.Stats().Discarded)
}
