// Package pipeline accumulates decoded row events into size- or
// time-triggered batches, applies backpressure when the sink falls behind,
// and exposes pause/resume/drain controls for the engine's lifecycle.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbmazz/dbmazz/internal/metrics"
)

// Row is one decoded change ready to hand to a sink: a flattened column map
// plus the audit fields the StarRocks sink appends to every row.
type Row struct {
	Table      string
	Op         string // "insert", "update", "delete", "truncate"
	Values     map[string]any
	IsDeleted  bool
	SyncedAt   int64
	CDCVersion uint64 // source commit LSN, used for merge_condition idempotency
	// HasUnchangedToast is true if at least one column of this row's source
	// tuple was an unchanged-toast slot and so is absent from Values. The
	// sink uses this, batch-wide, to decide whether the Stream Load request
	// needs partial_update.
	HasUnchangedToast bool
}

// Batch groups buffered rows by table, the unit a sink flushes in one
// Stream Load request per table.
type Batch map[string][]Row

// FlushFunc delivers one Batch to the sink. Accumulator calls it
// synchronously from its run loop; a failing FlushFunc keeps the batch
// buffered (rows are not dropped) so the caller can retry or surface a
// terminal error up the lifecycle.
type FlushFunc func(ctx context.Context, batch Batch) error

// Config tunes the accumulator's flush policy.
type Config struct {
	FlushSize       int
	FlushInterval   time.Duration
	ChannelCapacity int
}

const safetyCapMultiplier = 2

// Accumulator buffers Rows in memory and flushes them as a Batch once the
// row count reaches FlushSize or FlushInterval elapses, whichever is first.
// A safety cap of 2*FlushSize buffered rows blocks Add until a flush frees
// room, preventing unbounded memory growth when the sink stalls. Pause is a
// distinct mechanism: it only suppresses Run's flush triggers, so rows keep
// accumulating (and Add keeps accepting them) until the same safety cap is
// hit, exactly as when not paused.
type Accumulator struct {
	cfg      Config
	flush    FlushFunc
	counters *metrics.Counters

	in chan Row

	flushSize     atomic.Int64
	flushInterval atomic.Int64 // nanoseconds

	mu       sync.Mutex
	batch    Batch
	pending  int
	capFreed chan struct{} // closed and replaced whenever a flush drops pending back under the cap

	paused atomic.Bool    // suppresses Run's size/interval flush triggers; independent of the cap
	wake   chan struct{} // nudges Run to flush right away once Resume lifts the suppression

	drainReq chan chan error
	stopped  chan struct{}
}

// New returns an Accumulator that calls flush to deliver batches and records
// activity on counters (which may be nil to skip metrics).
func New(cfg Config, flush FlushFunc, counters *metrics.Counters) *Accumulator {
	if counters == nil {
		counters = metrics.NewCounters()
	}
	a := &Accumulator{
		cfg:      cfg,
		flush:    flush,
		counters: counters,
		in:       make(chan Row, cfg.ChannelCapacity),
		batch:    make(Batch),
		capFreed: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		drainReq: make(chan chan error),
		stopped:  make(chan struct{}),
	}
	a.flushSize.Store(int64(cfg.FlushSize))
	a.flushInterval.Store(int64(cfg.FlushInterval))
	return a
}

// Reconfigure applies a control-facade reload_config request. A nil pointer
// leaves that setting unchanged. Both settings take effect on the next
// batch boundary: the next size check for flushSize, the next timer
// firing for flushInterval.
func (a *Accumulator) Reconfigure(flushSize *int, flushInterval *time.Duration) {
	if flushSize != nil {
		a.flushSize.Store(int64(*flushSize))
	}
	if flushInterval != nil {
		a.flushInterval.Store(int64(*flushInterval))
	}
}

// Add pushes a row onto the accumulator's ingress channel. It blocks (and
// records backpressure time) only once pending rows reach the safety cap
// (2*flushSize), regardless of Pause state, and returns ctx.Err() if ctx is
// canceled first.
func (a *Accumulator) Add(ctx context.Context, row Row) error {
	for a.atCap() {
		ch := a.capFreedChan()
		start := time.Now()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		metrics.BackpressureSeconds.Observe(time.Since(start).Seconds())
	}

	select {
	case a.in <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Accumulator) atCap() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending >= int(a.flushSize.Load())*safetyCapMultiplier
}

func (a *Accumulator) capFreedChan() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capFreed
}

// Pause suppresses Run's size/interval flush triggers until Resume is
// called. Rows keep accumulating in the buffer — Add is unaffected by Pause
// and only blocks once the safety cap is hit independent of pause state.
func (a *Accumulator) Pause() {
	a.paused.Store(true)
}

// Resume reverses Pause and nudges Run to flush immediately if rows piled up
// while suppressed, rather than waiting for the next size/interval trigger.
func (a *Accumulator) Resume() {
	a.paused.Store(false)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run drives the accumulator's flush loop until ctx is canceled or Stop is
// requested via Drain. It must run in its own goroutine.
func (a *Accumulator) Run(ctx context.Context) {
	defer close(a.stopped)

	timer := time.NewTimer(a.currentFlushInterval())
	defer timer.Stop()

	for {
		select {
		case row := <-a.in:
			a.bufferRow(row)
			if !a.paused.Load() && a.pendingCount() >= int(a.flushSize.Load()) {
				a.flushNow(ctx, "size")
			}

		case <-timer.C:
			if !a.paused.Load() && a.pendingCount() > 0 {
				a.flushNow(ctx, "interval")
			}
			timer.Reset(a.currentFlushInterval())

		case <-a.wake:
			if !a.paused.Load() && a.pendingCount() > 0 {
				a.flushNow(ctx, "resume")
			}

		case reply := <-a.drainReq:
			a.drainChannel()
			err := a.flushNow(ctx, "drain")
			reply <- err
			return

		case <-ctx.Done():
			return
		}
	}
}

// Drain flushes any buffered and in-flight rows and stops Run. It blocks
// until the flush completes or ctx is canceled.
func (a *Accumulator) Drain(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.drainReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Accumulator) drainChannel() {
	for {
		select {
		case row := <-a.in:
			a.bufferRow(row)
		default:
			return
		}
	}
}

func (a *Accumulator) bufferRow(row Row) {
	a.mu.Lock()
	a.batch[row.Table] = append(a.batch[row.Table], row)
	a.pending++
	a.mu.Unlock()
	a.counters.AddEvent(row.Table, row.Op)
}

func (a *Accumulator) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func (a *Accumulator) flushNow(ctx context.Context, trigger string) error {
	a.mu.Lock()
	if a.pending == 0 {
		a.mu.Unlock()
		return nil
	}
	batch := a.batch
	a.batch = make(Batch)
	a.pending = 0
	// Wake any Add calls blocked on the safety cap now that pending dropped
	// to zero.
	close(a.capFreed)
	a.capFreed = make(chan struct{})
	a.mu.Unlock()

	start := time.Now()
	err := a.flush(ctx, batch)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	a.counters.RecordFlush(trigger, err == nil)

	if err != nil {
		// Put the rows back so no data is lost; the caller's retry policy
		// (backoff in the sink, or a terminal error up the lifecycle) governs
		// what happens next.
		a.mu.Lock()
		for table, rows := range batch {
			a.batch[table] = append(rows, a.batch[table]...)
			a.pending += len(rows)
		}
		a.mu.Unlock()
		return err
	}

	return nil
}

func (a *Accumulator) currentFlushInterval() time.Duration {
	return time.Duration(a.flushInterval.Load())
}
