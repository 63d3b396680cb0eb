package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by WaitTimeout when the send is still pending.
var ErrWaitTimeout = errors.New("timed out waiting for send")

// Handle is the pending result of one submitted message.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func newHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// completedHandle returns a handle that has already finished with err.
func completedHandle(err error) *Handle {
	h := &Handle{done: make(chan struct{}), cancel: func() {}}
	h.complete(err)
	return h
}

func (h *Handle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
		h.cancel()
	})
}

// Done is closed once the send has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error, or nil while the send is pending or after it succeeded.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// IsComplete reports whether the send has finished.
func (h *Handle) IsComplete() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the send finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the send finishes or timeout elapses.
func (h *Handle) WaitTimeout(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return h.err
	case <-t.C:
		return ErrWaitTimeout
	}
}

// Cancel requests cancellation. A send that has not started yet finishes with
// context.Canceled without reaching the transport; a running send sees its
// context cancelled and stops at the transport's discretion.
func (h *Handle) Cancel() {
	h.cancel()
}

// Cancelled reports whether the handle finished because it was cancelled.
func (h *Handle) Cancelled() bool {
	return errors.Is(h.Err(), context.Canceled)
}
