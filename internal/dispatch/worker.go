package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/monitor"
	"github.com/rickgao/courier/internal/transform"
	"github.com/rickgao/courier/internal/transport"
)

// Defaults and limits.
const (
	DefaultEscalateAfter = 30 * time.Second
	MinResendPeriod      = time.Second
	MinQueueSize         = 1
)

var (
	// ErrDisposed completes sends submitted to, or still queued on, a disposed worker.
	ErrDisposed = fmt.Errorf("%w: worker disposed", transport.ErrTransport)

	// ErrNilMessage is returned for a nil message.
	ErrNilMessage = fmt.Errorf("%w: message must not be nil", transport.ErrTransport)
)

// Config holds per-worker settings.
type Config struct {
	// Source is the display identity used in notifications and logs.
	Source string

	// URI is the destination. Nil for listener workers.
	URI *url.URL

	// ResendPeriod enables in-place retries of connectivity failures. Zero disables.
	ResendPeriod time.Duration

	// QueueSize bounds accepted but unfinished sends. Zero means unbounded.
	QueueSize int

	// EscalateAfter is how long failures may persist since the last success
	// before the outage is escalated.
	EscalateAfter time.Duration
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Submitted   int64
	Delivered   int64
	Failed      int64
	Discarded   int64
	Escalations int64
	Pending     int
}

type task struct {
	msg    any
	name   string
	path   string
	props  model.Properties
	handle *Handle
}

// Worker serializes sends to one destination.
type Worker struct {
	cfg         Config
	transporter transport.Transporter
	transformer transform.Transformer
	broker      monitor.Broker
	logger      *slog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  *Queue[*task]
	done   chan struct{}

	mu       sync.Mutex
	pending  int
	disposed bool

	delivery  monitor.HealthState
	queueFull monitor.HealthState

	// Owned by the lane goroutine.
	lastSuccess time.Time
	lastFailure time.Time
	escalated   bool

	submitted   atomic.Int64
	delivered   atomic.Int64
	failed      atomic.Int64
	discarded   atomic.Int64
	escalations atomic.Int64
}

// NewWorker starts a worker around an initialized transporter. transformer may be nil.
func NewWorker(cfg Config, t transport.Transporter, transformer transform.Transformer, broker monitor.Broker, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if broker == nil {
		broker = monitor.Nop
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultEscalateAfter
	}
	if cfg.Source == "" && cfg.URI != nil {
		cfg.Source = cfg.URI.String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:         cfg,
		transporter: t,
		transformer: transformer,
		broker:      broker,
		logger:      logger.With("component", "dispatch", "source", cfg.Source),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		queue:       NewQueue[*task](16),
		done:        make(chan struct{}),
	}
	go w.run()
	return w
}

// Source returns the display identity of the destination.
func (w *Worker) Source() string {
	return w.cfg.Source
}

// BasePath returns the path component of the destination URI.
func (w *Worker) BasePath() string {
	if w.cfg.URI == nil {
		return ""
	}
	return w.cfg.URI.Path
}

// Submit queues msg for plain delivery.
func (w *Worker) Submit(msg any) *Handle {
	return w.SubmitTo(msg, "", "", nil)
}

// SubmitTo queues msg for delivery under name and path. An empty path sends
// to the destination itself. It never blocks: when the queue is full the
// message is dropped and a completed Handle is returned.
func (w *Worker) SubmitTo(msg any, name, path string, props model.Properties) *Handle {
	if msg == nil {
		return completedHandle(ErrNilMessage)
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return completedHandle(ErrDisposed)
	}
	if w.cfg.QueueSize > 0 && w.pending >= w.cfg.QueueSize {
		w.mu.Unlock()
		w.discarded.Add(1)
		if w.queueFull.Fail() {
			w.notify(monitor.KindQueueFull, true,
				fmt.Sprintf("queue limit of %d exceeded, discarding messages", w.cfg.QueueSize))
		}
		w.logger.Debug("queue full, message discarded", "queue_size", w.cfg.QueueSize)
		return completedHandle(nil)
	}
	w.pending++
	h := newHandle(w.ctx)
	w.queue.Push(&task{msg: msg, name: name, path: path, props: props, handle: h})
	w.mu.Unlock()

	w.submitted.Add(1)
	return h
}

// Healthy reports whether neither health machine is in the error state.
func (w *Worker) Healthy() bool {
	return !w.delivery.IsError() && !w.queueFull.IsError()
}

// Disposed reports whether Dispose has been called.
func (w *Worker) Disposed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disposed
}

// AddPath registers cb for inbound messages on path.
func (w *Worker) AddPath(path string, cb transport.Callback) error {
	return w.transporter.AddPath(path, cb)
}

// RemovePath unregisters cb from path.
func (w *Worker) RemovePath(path string, cb transport.Callback) error {
	return w.transporter.RemovePath(path, cb)
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()
	return Stats{
		Submitted:   w.submitted.Load(),
		Delivered:   w.delivered.Load(),
		Failed:      w.failed.Load(),
		Discarded:   w.discarded.Load(),
		Escalations: w.escalations.Load(),
		Pending:     pending,
	}
}

// Dispose stops the lane, completes every queued send with ErrDisposed and
// releases the transporter. A send in progress has its context cancelled.
// Dispose does not wait for the lane to exit and may be called from it.
func (w *Worker) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	w.mu.Unlock()

	w.cancel()
	w.queue.Close()
	for _, t := range w.queue.Drain() {
		t.handle.complete(ErrDisposed)
	}
	w.transporter.Dispose()
	w.logger.Debug("worker disposed")
}

// Wait blocks until the lane goroutine has exited or ctx ends.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		t, ok := w.queue.Pop()
		if !ok {
			return
		}
		t.handle.complete(w.process(t))
		w.finish()
	}
}

// finish releases a queue slot and resolves the queue-full state once idle.
func (w *Worker) finish() {
	w.mu.Lock()
	w.pending--
	idle := w.pending == 0
	w.mu.Unlock()

	if idle && w.queueFull.Resolve() {
		w.notify(monitor.KindQueueFull, false, "queue drained")
	}
}

func (w *Worker) process(t *task) error {
	ctx := t.handle.ctx
	if err := ctx.Err(); err != nil {
		return err
	}

	err := w.deliver(ctx, t)
	switch {
	case err == nil:
		w.delivered.Add(1)
		if w.delivery.Resolve() {
			w.notify(monitor.KindDelivery, false, "delivery succeeded")
		}
	case ctx.Err() != nil:
		// Cancelled by the caller or by Dispose.
	default:
		w.failed.Add(1)
		if w.delivery.Fail() {
			w.notify(monitor.KindDelivery, true, err.Error())
		}
		w.logFailure(err)
	}
	return err
}

func (w *Worker) deliver(ctx context.Context, t *task) error {
	msg := t.msg
	if w.transformer != nil {
		out, err := w.transformer.Transform(msg)
		if err != nil {
			return fmt.Errorf("%w: transform message: %w", transport.ErrTransport, err)
		}
		if out == nil {
			return fmt.Errorf("%w: transform produced no message", transport.ErrTransport)
		}
		msg = out
	}

	for {
		err := w.send(ctx, t, msg)
		if err == nil {
			w.connected()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, transport.ErrConnectivity) {
			return transport.Failure(err)
		}

		w.disconnected(err)
		if w.cfg.ResendPeriod <= 0 {
			return err
		}
		if w.delivery.Fail() {
			w.notify(monitor.KindDelivery, true, err.Error())
		}
		w.logger.Debug("send failed, retrying", "error", err, "period", w.cfg.ResendPeriod)

		timer := time.NewTimer(w.cfg.ResendPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) send(ctx context.Context, t *task, msg any) error {
	if t.path != "" {
		return w.transporter.SendTo(ctx, msg, t.name, t.path, t.props)
	}
	return w.transporter.Send(ctx, msg)
}

func (w *Worker) connected() {
	w.lastSuccess = w.now()
	w.lastFailure = time.Time{}
	if w.escalated {
		w.logger.Info("destination reachable again")
	}
	w.escalated = false
}

func (w *Worker) disconnected(err error) {
	now := w.now()
	if !w.escalated && !w.lastFailure.IsZero() && !w.lastSuccess.IsZero() &&
		now.Sub(w.lastSuccess) > w.cfg.EscalateAfter {
		w.escalated = true
		w.escalations.Add(1)
		w.logger.Error("destination unreachable",
			"last_success", w.lastSuccess,
			"threshold", w.cfg.EscalateAfter,
			"error", err,
		)
	}
	w.lastFailure = now
}

func (w *Worker) logFailure(err error) {
	if w.lastSuccess.IsZero() {
		w.logger.Error("send failed", "error", err)
		return
	}
	w.logger.Warn("send failed", "error", err)
}

func (w *Worker) notify(kind monitor.Kind, isError bool, msg string) {
	w.broker.Notify(w.cfg.Source, monitor.Event{
		Time:    w.now(),
		Kind:    kind,
		Error:   isError,
		Message: msg,
	})
}
