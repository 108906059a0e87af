package storage

import "sync"

// rwGate is the per-file single-writer/many-readers coordinator described
// in spec.md §4.2. It serializes entry into a file's content so that a read
// and an append never interleave, while letting concurrent reads proceed in
// parallel and keeping different files fully independent.
//
// orderingMu exists solely to give FIFO queueing of arrivals: whichever
// goroutine next acquires orderingMu is guaranteed to evaluate (and, if
// necessary, start waiting on cond) before any later arrival gets a turn.
// Without it, goroutines released from cond.Wait() race each other and an
// unlucky writer can starve behind a stream of readers.
type rwGate struct {
	orderingMu sync.Mutex

	mu            sync.Mutex
	cond          *sync.Cond
	activeReaders int
	activeWriters int
}

func newRWGate() *rwGate {
	g := &rwGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// enterReader blocks until no writer is active, then marks a reader active.
// Callers must call exitReader when done, without holding any file mutex
// while they do the actual read work.
func (g *rwGate) enterReader() {
	g.orderingMu.Lock()
	g.mu.Lock()
	for g.activeWriters > 0 {
		g.cond.Wait()
	}
	g.activeReaders++
	g.mu.Unlock()
	g.orderingMu.Unlock()
}

func (g *rwGate) exitReader() {
	g.mu.Lock()
	g.activeReaders--
	if g.activeReaders == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
}

// enterWriter blocks until no reader and no writer is active.
func (g *rwGate) enterWriter() {
	g.orderingMu.Lock()
	g.mu.Lock()
	for g.activeReaders > 0 || g.activeWriters > 0 {
		g.cond.Wait()
	}
	g.activeWriters = 1
	g.mu.Unlock()
	g.orderingMu.Unlock()
}

func (g *rwGate) exitWriter() {
	g.mu.Lock()
	g.activeWriters = 0
	g.cond.Broadcast()
	g.mu.Unlock()
}

// quiesce blocks until neither a reader nor a writer is active, holding no
// lock on return other than the caller's own. Used by destruction, which
// must wait for in-flight read/append work to drain before unlinking the
// file.
func (g *rwGate) quiesce() {
	g.mu.Lock()
	for g.activeReaders > 0 || g.activeWriters > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
}
