// Package queue implements the unbounded MPSC queue described in spec.md
// §4.1: many producers enqueue without blocking, one or more consumers
// dequeue and block while empty. It is the hand-off between the dispatcher
// and the worker pool (internal/dispatch).
package queue

import "sync"

type node struct {
	value any
	next  *node
}

// Queue is an unbounded, blocking-dequeue FIFO. The zero value is not
// usable; construct with New.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	head   *node
	tail   *node
	closed bool
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item and wakes one blocked Dequeue. Never blocks: there
// is no upper bound, matching spec.md §4.1 ("pressure is controlled
// upstream"). Enqueue on a closed queue is a no-op — by the time Close is
// called, the dispatcher no longer has producers in flight.
func (q *Queue) Enqueue(item any) {
	n := &node{value: item}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.tail == nil {
		q.head = n
		q.tail = n
	} else {
		q.tail.next = n
		q.tail = n
	}
	q.cond.Signal()
}

// Dequeue blocks until an item is available or the queue is closed. ok is
// false only when the queue was closed and drained.
func (q *Queue) Dequeue() (item any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == nil && !q.closed {
		q.cond.Wait()
	}
	if q.head == nil {
		return nil, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	return n.value, true
}

// Len reports the number of items currently queued, for observability.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for cur := q.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// Close marks the queue closed and wakes every blocked Dequeue, draining
// whatever remains unread. After Close, Dequeue returns ok=false once the
// backlog (if any) has been consumed. Matches spec.md §4.1's "destroy drains
// remaining items and releases the synchronization primitives" — the Go
// garbage collector reclaims the nodes once the last reference drops, so
// there is no separate free step.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
