package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}
	if q.Len() != 100 {
		t.Errorf("Len() = %d, want 100", q.Len())
	}

	for i := 0; i < 100; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop() returned false at %d", i)
		}
		if v != i {
			t.Errorf("TryPop() = %d, want %d", v, i)
		}
	}

	stats := q.Stats()
	if stats.Resizes == 0 {
		t.Error("expected the ring to grow")
	}
	if stats.Pushed != 100 || stats.Popped != 100 {
		t.Errorf("Pushed/Popped = %d/%d, want 100/100", stats.Pushed, stats.Popped)
	}
}

func TestQueue_WrappedGrowKeepsOrder(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	for i := 0; i < 3; i++ {
		q.TryPop()
	}
	for i := 5; i < 20; i++ {
		q.Push(i)
	}

	for want := 3; want < 20; want++ {
		v, ok := q.TryPop()
		if !ok || v != want {
			t.Fatalf("TryPop() = %d, %v; want %d, true", v, ok, want)
		}
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string](1)
	got := make(chan string, 1)

	go func() {
		v, _ := q.Pop()
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("x")

	select {
	case v := <-got:
		if v != "x" {
			t.Errorf("Pop() = %q, want %q", v, "x")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueue_CloseWakesWaitersAndKeepsItemsForDrain(t *testing.T) {
	q := NewQueue[int](1)
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Pop()
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not wake waiters")
	}

	if q.Push(1) {
		t.Error("Push after Close returned true")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)
	q.Close()

	if _, ok := q.Pop(); ok {
		t.Error("Pop after Close returned true")
	}

	got := q.Drain()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Drain() = %v, want [1 2]", got)
	}
	if q.Drain() != nil {
		t.Error("second Drain() should be empty")
	}
}
