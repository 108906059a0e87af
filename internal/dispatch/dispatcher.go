// Package dispatch implements the master/worker request-dispatch pipeline
// from spec.md §4.4/§4.5: a dispatcher multiplexes client sockets over a
// pool of workers that drive the storage engine.
//
// The C reference implementation multiplexes file descriptors with
// select() and a self-pipe for worker→master wakeups. Go has no portable
// equivalent of a non-consuming readiness check, so each idle client is
// instead watched by its own goroutine blocked in a non-consuming
// bufio.Reader.Peek(1); the first byte becoming available (or the read
// erroring, meaning the peer went away) is "readiness", reported back to
// the master over a channel that plays the self-pipe's role.
package dispatch

import (
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/filestoraged/internal/metrics"
	"github.com/adred-codev/filestoraged/internal/queue"
	"github.com/adred-codev/filestoraged/internal/storage"
)

// readyItem is what a readiness watcher enqueues for a worker: the client
// plus the outcome of the non-consuming peek that decided it was ready.
// A non-nil peekErr means the peer is gone (read returned EOF/error), not
// that a request is waiting.
type readyItem struct {
	client  *Client
	peekErr error
}

type acceptResult struct {
	conn net.Conn
	err  error
}

type readyEvent struct {
	client  *Client
	peekErr error
}

type doneEvent struct {
	client       *Client
	disconnected bool
}

// Dispatcher is the master loop.
type Dispatcher struct {
	listener   net.Listener
	socketPath string
	backlog    int

	ready *queue.Queue // MPSC queue of *readyItem / nil sentinels, consumed by workers

	acceptCh chan acceptResult
	readyCh  chan readyEvent
	doneCh   chan doneEvent
	checkCh  chan struct{}

	watchedMu sync.Mutex
	watched   map[int64]*Client

	connected  atomic.Int64
	softExit   atomic.Bool
	hardExit   atomic.Bool
	nextID     atomic.Int64
	workerPool int

	store *storage.Storage
	log   zerolog.Logger

	acceptLimiter *rate.Limiter

	stopped chan struct{}
}

// New constructs a Dispatcher bound to a Unix domain socket at
// socketPath. The path is unlinked first (spec.md §6: "server unlinks it
// at startup and at shutdown"). acceptRate/acceptBurst bound how fast
// newly accepted connections are admitted into the watched set — ambient
// hygiene against a local fork-bomb-style connection flood, unrelated to
// spec.md's own backlog/capacity knobs.
func New(socketPath string, backlog, workerPoolSize int, acceptRate float64, acceptBurst int, store *storage.Storage, log zerolog.Logger) (*Dispatcher, error) {
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if ul, ok := listener.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)

		// BACKLOG (spec.md §6) sizes the kernel's pending-connection
		// queue; net.Listen always binds with the OS default, so the
		// configured value is applied afterward the same way a custom
		// TCP accept-queue size would be.
		if backlog > 0 {
			if file, ferr := ul.File(); ferr == nil {
				_ = syscall.Listen(int(file.Fd()), backlog)
				file.Close()
			}
		}
	}

	return &Dispatcher{
		listener:      listener,
		socketPath:    socketPath,
		backlog:       backlog,
		ready:         queue.New(),
		acceptCh:      make(chan acceptResult),
		readyCh:       make(chan readyEvent),
		doneCh:        make(chan doneEvent),
		checkCh:       make(chan struct{}, 1),
		watched:       make(map[int64]*Client),
		workerPool:    workerPoolSize,
		store:         store,
		log:           log.With().Str("component", "dispatch").Logger(),
		acceptLimiter: rate.NewLimiter(rate.Limit(acceptRate), acceptBurst),
		stopped:       make(chan struct{}),
	}, nil
}

// RequestSoftExit implements SIGHUP: stop accepting, drain, then shut
// down once no clients remain.
func (d *Dispatcher) RequestSoftExit() {
	if !d.softExit.CompareAndSwap(false, true) {
		return
	}
	d.listener.Close()
	d.probe()
}

// RequestHardExit implements SIGINT/SIGQUIT: shut down immediately.
func (d *Dispatcher) RequestHardExit() {
	if !d.hardExit.CompareAndSwap(false, true) {
		return
	}
	d.listener.Close()
	d.probe()
}

func (d *Dispatcher) probe() {
	select {
	case d.checkCh <- struct{}{}:
	default:
	}
}

// Stopped returns a channel closed once shutdown has completed.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

// Run starts the accept loop, the worker pool, and the master event loop.
// It blocks until shutdown completes.
func (d *Dispatcher) Run() {
	go d.acceptLoop()

	var workers sync.WaitGroup
	for i := 0; i < d.workerPool; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			d.runWorker()
		}()
	}

	d.masterLoop()

	// masterLoop has already returned, so nothing services doneCh/readyCh
	// any longer. A worker can still be mid-request and about to call
	// returnClient, and a readiness watcher can still be mid-Peek; both
	// send on those channels, so something must keep draining them until
	// every worker has actually exited or those sends block forever and
	// workers.Wait() below never returns.
	drainStop := make(chan struct{})
	go func() {
		for {
			select {
			case <-d.doneCh:
			case <-d.readyCh:
			case <-drainStop:
				return
			}
		}
	}()

	for i := 0; i < d.workerPool; i++ {
		d.ready.Enqueue(nil) // sentinel, per spec.md §4.4 shutdown
	}
	workers.Wait()
	close(drainStop)
	d.ready.Close()

	mustNotify := d.store.Shutdown()
	for _, h := range mustNotify {
		if c, ok := h.(*Client); ok {
			metrics.DecParkedLockers()
			writeFileNotFound(c)
			c.Close()
		}
	}
	close(d.stopped)
}

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			d.acceptCh <- acceptResult{err: err}
			return
		}
		d.acceptCh <- acceptResult{conn: conn}
	}
}

func (d *Dispatcher) masterLoop() {
	for {
		select {
		case res := <-d.acceptCh:
			if res.err != nil {
				// Listener closed, either for soft or hard exit; the
				// accept goroutine has exited.
				if d.hardExit.Load() {
					return
				}
				continue
			}
			if d.softExit.Load() {
				res.conn.Close()
				continue
			}
			if !d.acceptLimiter.Allow() {
				d.log.Warn().Msg("accept rate exceeded, rejecting connection")
				res.conn.Close()
				continue
			}
			c := newClient(d.nextID.Add(1), res.conn)
			d.watch(c)
			metrics.SetConnectedClients(int(d.connected.Add(1)))

		case ev := <-d.readyCh:
			d.unwatch(ev.client.id)
			d.ready.Enqueue(&readyItem{client: ev.client, peekErr: ev.peekErr})
			metrics.SetQueueDepth(d.ready.Len())

		case ev := <-d.doneCh:
			if ev.disconnected {
				metrics.SetConnectedClients(int(d.connected.Add(-1)))
				if d.softExit.Load() && d.connected.Load() == 0 {
					return
				}
				continue
			}
			d.watch(ev.client)

		case <-d.checkCh:
			if d.hardExit.Load() {
				return
			}
			if d.softExit.Load() && d.connected.Load() == 0 {
				return
			}
		}
	}
}

// watch adds c to the idle set and spawns its readiness watcher.
func (d *Dispatcher) watch(c *Client) {
	d.watchedMu.Lock()
	d.watched[c.id] = c
	d.watchedMu.Unlock()

	go func() {
		_, err := c.r.Peek(1)
		d.readyCh <- readyEvent{client: c, peekErr: err}
	}()
}

func (d *Dispatcher) unwatch(id int64) {
	d.watchedMu.Lock()
	delete(d.watched, id)
	d.watchedMu.Unlock()
}

// returnClient is how a worker hands a client back to the master: either
// "done, watch it again" or "gone, account for the disconnect". Also used
// by the grant/notify paths (unlock, eviction, user_exit) to re-arm a
// client that was parked or otherwise not mid-service.
func (d *Dispatcher) returnClient(c *Client, disconnected bool) {
	d.doneCh <- doneEvent{client: c, disconnected: disconnected}
}
