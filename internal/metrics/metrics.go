// Package metrics exposes the server's Prometheus gauges/counters and the
// loopback HTTP endpoint they are scraped from. The storage engine,
// dispatcher, and worker pool have no Prometheus dependency of their own
// (internal/storage.Stats is a plain snapshot struct); this package is the
// only place client_golang is imported, polling those snapshots instead of
// being called from deep inside the hot path.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/filestoraged/internal/storage"
)

var (
	fileNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_storage_file_number",
		Help: "Current number of files held in storage.",
	})
	storageSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_storage_size_bytes",
		Help: "Current total size in bytes of all stored file content.",
	})
	peakFileNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_storage_peak_file_number",
		Help: "Highest file_number observed since startup.",
	})
	peakSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_storage_peak_size_bytes",
		Help: "Highest total storage size observed since startup.",
	})
	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filestoraged_storage_evictions_total",
		Help: "Total number of files evicted to satisfy capacity.",
	})

	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_connected_clients",
		Help: "Current number of client descriptors known to the dispatcher.",
	})
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_ready_queue_depth",
		Help: "Approximate number of ready client descriptors waiting for a worker.",
	})
	workersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_workers_busy",
		Help: "Current number of worker goroutines servicing a request.",
	})
	parkedLockers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_parked_lockers",
		Help: "Current number of clients parked waiting for a lock grant.",
	})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filestoraged_requests_total",
		Help: "Total requests processed, by op and outcome.",
	}, []string{"op", "outcome"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filestoraged_request_duration_seconds",
		Help:    "Time spent servicing a request inside a worker.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	resourceCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_process_cpu_percent",
		Help: "Observed process CPU usage percentage (observational, gates nothing).",
	})
	resourceRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filestoraged_process_rss_bytes",
		Help: "Observed process resident set size in bytes.",
	})
)

func init() {
	prometheus.MustRegister(
		fileNumber, storageSize, peakFileNumber, peakSize, evictionsTotal,
		connectedClients, queueDepth, workersBusy, parkedLockers,
		requestsTotal, requestDuration,
		resourceCPUPercent, resourceRSSBytes,
	)
}

// RecordRequest increments the outcome counter and observes the duration
// histogram for one serviced request. op is the camelCase operation name
// ("openFile", "readFile", ...); outcome is the response kind ("OK",
// "FORBIDDEN", ...).
func RecordRequest(op, outcome string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetConnectedClients publishes the dispatcher's current client count.
func SetConnectedClients(n int) { connectedClients.Set(float64(n)) }

// SetQueueDepth publishes the ready-queue's approximate depth.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// IncWorkersBusy/DecWorkersBusy track how many workers are mid-request.
// Per-worker Set(0)/Set(1) calls would just flap between those two values
// once WORKER_POOL_SIZE>1, so the gauge is adjusted relatively instead.
func IncWorkersBusy() { workersBusy.Inc() }
func DecWorkersBusy() { workersBusy.Dec() }

// IncParkedLockers/DecParkedLockers track how many clients are currently
// parked on a lockFile request awaiting a grant or FILE_NOT_FOUND.
func IncParkedLockers() { parkedLockers.Inc() }
func DecParkedLockers() { parkedLockers.Dec() }

// SetResourceSample publishes one gopsutil sample (internal/resource).
func SetResourceSample(cpuPercent float64, rssBytes uint64) {
	resourceCPUPercent.Set(cpuPercent)
	resourceRSSBytes.Set(float64(rssBytes))
}

// PublishStorage copies a storage.Stats snapshot onto the gauges/counters
// above. evictionsTotal is a counter but storage.Stats.Evictions is a
// cumulative total, so it is reconciled by Add-ing the delta since the
// last call.
var lastEvictions int64

func PublishStorage(s storage.Stats) {
	fileNumber.Set(float64(s.FileNumber))
	storageSize.Set(float64(s.Size))
	peakFileNumber.Set(float64(s.PeakFileNumber))
	peakSize.Set(float64(s.PeakSize))
	if delta := s.Evictions - lastEvictions; delta > 0 {
		evictionsTotal.Add(float64(delta))
		lastEvictions = s.Evictions
	}
}

// Server is the loopback HTTP listener serving /metrics and /healthz
// (SPEC_FULL.md's supplemented observability surface — never reachable
// from the Unix domain client socket).
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer constructs the metrics/health HTTP server bound to addr. It
// is not started until Start is called.
func NewServer(addr string, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        log.With().Str("component", "metrics").Logger(),
	}
}

// Start listens in the background. Bind failures are logged, not fatal:
// the file-storage protocol itself never depends on this listener.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("addr", s.httpServer.Addr).Msg("metrics listener exited")
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
