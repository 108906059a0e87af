package queue

import (
	"testing"
	"time"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := New()
	for _, v := range []int{1, 2, 3} {
		q.Enqueue(v)
	}
	for _, want := range []int{1, 2, 3} {
		got, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue: ok=false, want true")
		}
		if got.(int) != want {
			t.Fatalf("dequeue = %v, want %v", got, want)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New()
	result := make(chan int, 1)
	go func() {
		v, ok := q.Dequeue()
		if !ok {
			result <- -1
			return
		}
		result <- v.(int)
	}()

	select {
	case v := <-result:
		t.Fatalf("dequeue returned %d before any enqueue", v)
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(42)

	select {
	case v := <-result:
		if v != 42 {
			t.Fatalf("dequeue = %d, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not unblock after enqueue")
	}
}

func TestCloseDrainsBacklogThenReturnsFalse(t *testing.T) {
	q := New()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Close()

	got, ok := q.Dequeue()
	if !ok || got.(string) != "a" {
		t.Fatalf("first dequeue after close = (%v, %v), want (a, true)", got, ok)
	}
	got, ok = q.Dequeue()
	if !ok || got.(string) != "b" {
		t.Fatalf("second dequeue after close = (%v, %v), want (b, true)", got, ok)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue on drained closed queue returned ok=true")
	}
}

func TestCloseUnblocksWaitingDequeue(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("dequeue on empty closed queue returned ok=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not unblock a waiting dequeue")
	}
}

func TestEnqueueAfterCloseIsNoOp(t *testing.T) {
	q := New()
	q.Close()
	q.Enqueue("late")
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue after enqueue-on-closed-queue returned ok=true")
	}
}
