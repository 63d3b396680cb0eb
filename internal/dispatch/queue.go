package dispatch

import "sync"

// Queue is the FIFO hand-off between submitters and a worker's lane. It grows
// its ring by doubling once it is 70% full, so Push never blocks. Capacity
// limits are enforced by the worker, not by the queue.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	tail   int
	count  int
	closed bool

	pushed  int64
	popped  int64
	resizes int
}

// NewQueue creates a queue with the given initial ring size.
func NewQueue[T any](initial int) *Queue[T] {
	if initial < 1 {
		initial = 1
	}
	q := &Queue[T]{ring: make([]T, initial)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := len(q.ring) * 70 / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.ring[q.tail] = item
	q.tail = (q.tail + 1) % len(q.ring)
	q.count++
	q.pushed++
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available. It returns false when the queue is
// closed; items still queued at close are left for Drain.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// TryPop returns the head item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Close wakes every waiter. Subsequent pushes fail.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Drain removes and returns everything still queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]T, 0, q.count)
	for q.count > 0 {
		out = append(out, q.take())
	}
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Len     int
	Ring    int
	Pushed  int64
	Popped  int64
	Resizes int
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:     q.count,
		Ring:    len(q.ring),
		Pushed:  q.pushed,
		Popped:  q.popped,
		Resizes: q.resizes,
	}
}

// take must be called with mu held and count > 0.
func (q *Queue[T]) take() T {
	item := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return item
}

// grow must be called with mu held.
func (q *Queue[T]) grow() {
	next := make([]T, len(q.ring)*2)
	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.ring[q.head:q.tail])
		} else {
			n := copy(next, q.ring[q.head:])
			copy(next[n:], q.ring[:q.tail])
		}
	}
	q.ring = next
	q.head = 0
	q.tail = q.count
	q.resizes++
}
