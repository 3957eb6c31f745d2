package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmazz_pipeline_events_total",
			Help: "Total number of CDC row events accumulated by the pipeline, by table and op",
		},
		[]string{"table", "op"},
	)

	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmazz_pipeline_flushes_total",
			Help: "Total number of batches flushed to the sink, by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	BackpressureSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbmazz_pipeline_backpressure_seconds",
			Help:    "Time spent blocked pushing an event onto a full pipeline channel",
			Buckets: prometheus.DefBuckets,
		},
	)

	SinkRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmazz_sink_retries_total",
			Help: "Total number of Stream Load retry attempts, by outcome",
		},
		[]string{"outcome"},
	)

	SchemaDeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbmazz_schema_deltas_applied_total",
			Help: "Total number of ADD COLUMN deltas applied to the sink, by table",
		},
		[]string{"table"},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dbmazz_pipeline_flush_duration_seconds",
			Help:    "Duration of a single batch flush to the sink",
			Buckets: prometheus.DefBuckets,
		},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9090",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	// Increment wait group
	wg.Add(1)

	// Start server
	go func() {
		defer wg.Done()
		log.Printf("Starting Prometheus metrics server on %s", effectiveOpts.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	// Monitor context cancellation in a separate goroutine
	go func() {
		<-ctx.Done()

		// Create a timeout context for shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		// Wait for server to close or timeout
		select {
		case <-serverClosed:
			log.Println("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}

// Snapshot is a plain-struct view of the running totals behind the
// Prometheus counters above, for the control facade's get_counters call —
// a client that only wants the numbers shouldn't have to scrape and parse
// the exposition format.
type Snapshot struct {
	EventsReceived uint64            `json:"events_received"`
	FlushesOK      uint64            `json:"flushes_ok"`
	FlushesFailed  uint64            `json:"flushes_failed"`
	SinkRetries    uint64            `json:"sink_retries"`
	SchemaDeltas   uint64            `json:"schema_deltas_applied"`
	EventsByTable  map[string]uint64 `json:"events_by_table,omitempty"`
}

// Counters accumulates the same numbers the Prometheus vectors track, behind
// a mutex, so Snapshot() never has to walk prometheus.Collector
// internals on the hot path of a status request.
type Counters struct {
	mu            sync.Mutex
	eventsByTable map[string]uint64
	eventsTotal   uint64
	flushesOK     uint64
	flushesFailed uint64
	sinkRetries   uint64
	schemaDeltas  uint64
}

// NewCounters returns an empty Counters accumulator.
func NewCounters() *Counters {
	return &Counters{eventsByTable: make(map[string]uint64)}
}

// AddEvent records one accumulated row event, both in the plain counters and
// in the EventsTotal Prometheus vector.
func (c *Counters) AddEvent(table, op string) {
	c.mu.Lock()
	c.eventsTotal++
	c.eventsByTable[table]++
	c.mu.Unlock()
	EventsTotal.WithLabelValues(table, op).Inc()
}

// RecordFlush records a batch flush outcome in both the plain counters and
// the FlushesTotal Prometheus vector.
func (c *Counters) RecordFlush(trigger string, ok bool) {
	c.mu.Lock()
	if ok {
		c.flushesOK++
	} else {
		c.flushesFailed++
	}
	c.mu.Unlock()

	result := "ok"
	if !ok {
		result = "error"
	}
	FlushesTotal.WithLabelValues(trigger, result).Inc()
}

// RecordSinkRetry records one Stream Load retry attempt.
func (c *Counters) RecordSinkRetry(outcome string) {
	c.mu.Lock()
	c.sinkRetries++
	c.mu.Unlock()
	SinkRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordSchemaDelta records one applied ADD COLUMN delta for table.
func (c *Counters) RecordSchemaDelta(table string) {
	c.mu.Lock()
	c.schemaDeltas++
	c.mu.Unlock()
	SchemaDeltasTotal.WithLabelValues(table).Inc()
}

// Snapshot returns a point-in-time copy of the accumulated counters.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	byTable := make(map[string]uint64, len(c.eventsByTable))
	for k, v := range c.eventsByTable {
		byTable[k] = v
	}
	return Snapshot{
		EventsReceived: c.eventsTotal,
		FlushesOK:      c.flushesOK,
		FlushesFailed:  c.flushesFailed,
		SinkRetries:    c.sinkRetries,
		SchemaDeltas:   c.schemaDeltas,
		EventsByTable:  byTable,
	}
}
