// Package reaper supervises in-flight sends: it forgets finished ones and
// applies cancellation requests on a fixed tick.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a pending send. *dispatch.Handle satisfies it.
type Task interface {
	Done() <-chan struct{}
	Err() error
	Cancel()
}

// Config holds reaper configuration.
type Config struct {
	Interval time.Duration // Sweep interval (default: 300ms)
	Backlog  int           // Buffered track/cancel requests (default: 256)
}

// Defaults.
const (
	DefaultInterval = 300 * time.Millisecond
	DefaultBacklog  = 256
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Backlog:  DefaultBacklog,
	}
}

// Stats is a snapshot of the reaper's bookkeeping.
type Stats struct {
	Tracked   int
	Reaped    int64
	Failed    int64
	Cancelled int64
}

// request is either a task to track or, with a nil task, a cancellation.
type request struct {
	id   string
	task Task
}

// Reaper owns the set of tracked tasks. Only its loop goroutine touches it;
// callers communicate through channels.
type Reaper struct {
	cfg    Config
	logger *slog.Logger

	requests chan request
	stats    chan chan Stats

	started  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	exited   chan struct{}
}

// New creates a Reaper. Call Start to begin sweeping.
func New(cfg Config, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	return &Reaper{
		cfg:      cfg,
		logger:   logger.With("component", "reaper"),
		requests: make(chan request, cfg.Backlog),
		stats:    make(chan chan Stats),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the sweep loop. It stops when ctx ends or DisposeAll is called.
func (r *Reaper) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

// Track registers task under the subscription id and returns it.
// Tasks tracked after shutdown are cancelled immediately.
func (r *Reaper) Track(id string, task Task) Task {
	select {
	case <-r.exited:
		task.Cancel()
		return task
	default:
	}
	select {
	case r.requests <- request{id: id, task: task}:
	case <-r.exited:
		task.Cancel()
	}
	return task
}

// CancelAllFor requests cancellation of every task tracked under id. The
// request is applied on the next sweep, not synchronously.
func (r *Reaper) CancelAllFor(id string) {
	select {
	case r.requests <- request{id: id}:
	case <-r.exited:
	}
}

// Stats returns a snapshot, or the zero value once the loop has exited.
func (r *Reaper) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case r.stats <- reply:
		return <-reply
	case <-r.exited:
		return Stats{}
	}
}

// DisposeAll stops the loop and cancels every tracked task.
func (r *Reaper) DisposeAll() {
	r.quitOnce.Do(func() { close(r.quit) })
	if r.started.CompareAndSwap(false, true) {
		// Never started: run the shutdown path inline.
		r.shutdown(map[string][]Task{})
		close(r.exited)
		return
	}
	<-r.exited
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.exited)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	tasks := make(map[string][]Task)
	var pending []cancellation
	var st Stats

	r.logger.Debug("task reaper started", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			r.shutdown(tasks)
			return
		case <-r.quit:
			r.shutdown(tasks)
			return
		case req := <-r.requests:
			if req.task == nil {
				pending = append(pending, cancellation{id: req.id, upTo: len(tasks[req.id])})
			} else {
				tasks[req.id] = append(tasks[req.id], req.task)
			}
		case reply := <-r.stats:
			s := st
			for _, list := range tasks {
				s.Tracked += len(list)
			}
			reply <- s
		case <-ticker.C:
			pending = r.sweep(tasks, pending, &st)
		}
	}
}

// cancellation covers the tasks tracked under id before it was requested.
type cancellation struct {
	id   string
	upTo int
}

// sweep applies pending cancellations, then drops finished tasks.
func (r *Reaper) sweep(tasks map[string][]Task, pending []cancellation, st *Stats) []cancellation {
	removed := make(map[string]int)
	for _, c := range pending {
		list := tasks[c.id]
		n := min(c.upTo-removed[c.id], len(list))
		for _, t := range list[:n] {
			r.safely(c.id, t.Cancel)
			st.Cancelled++
		}
		removed[c.id] += n
		if n == len(list) {
			delete(tasks, c.id)
		} else {
			tasks[c.id] = list[n:]
		}
	}

	for id, list := range tasks {
		kept := list[:0]
		for _, t := range list {
			select {
			case <-t.Done():
				r.safely(id, func() {
					if err := t.Err(); err != nil && !errors.Is(err, context.Canceled) {
						st.Failed++
						r.logger.Debug("send finished with error", "subscription", id, "error", err)
					}
				})
				st.Reaped++
			default:
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(tasks, id)
		} else {
			tasks[id] = kept
		}
	}
	return pending[:0]
}

func (r *Reaper) shutdown(tasks map[string][]Task) {
	n := 0
	for id, list := range tasks {
		for _, t := range list {
			r.safely(id, t.Cancel)
			n++
		}
	}
	for {
		select {
		case req := <-r.requests:
			if req.task != nil {
				r.safely(req.id, req.task.Cancel)
				n++
			}
		default:
			r.logger.Debug("task reaper stopped", "cancelled", n)
			return
		}
	}
}

// safely isolates a misbehaving task from the loop.
func (r *Reaper) safely(id string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "subscription", id, "panic", p)
		}
	}()
	fn()
}
