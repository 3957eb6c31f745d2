// Package engine wires the WAL source, schema cache, pipeline, and sink
// into the replication lifecycle spec.md §4.7 and §5 describe, and exposes
// the stage/LSN/error state the control facade surfaces.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dbmazz/dbmazz/internal/checkpoint"
	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/lsn"
	"github.com/dbmazz/dbmazz/internal/metrics"
	"github.com/dbmazz/dbmazz/internal/pgoutput"
	"github.com/dbmazz/dbmazz/internal/pgoutput/typeconv"
	"github.com/dbmazz/dbmazz/internal/pipeline"
	"github.com/dbmazz/dbmazz/internal/schema"
	"github.com/dbmazz/dbmazz/internal/sink/starrocks"
	"github.com/dbmazz/dbmazz/internal/walsource"
)

// Stage is a point in the lifecycle state machine spec.md §4.7 defines:
// INIT -> SETUP -> RUNNING <-> PAUSED -> STOPPING -> STOPPED, with FAILED
// reachable as a terminal state from any non-STOPPED stage.
type Stage int32

const (
	StageInit Stage = iota
	StageSetup
	StageRunning
	StagePaused
	StageStopping
	StageStopped
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "INIT"
	case StageSetup:
		return "SETUP"
	case StageRunning:
		return "RUNNING"
	case StagePaused:
		return "PAUSED"
	case StageStopping:
		return "STOPPING"
	case StageStopped:
		return "STOPPED"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Deps are the already-constructed collaborators the engine wires
// together. ReplConn must already be open in replication mode; Pool is an
// ordinary connection pool used by the checkpoint store.
type Deps struct {
	ReplConn  *pgconn.PgConn
	Pool      *pgxpool.Pool
	WALSource walsource.Config
	Sink      pipeline.FlushFunc
	DDL       *starrocks.SQLClient
	Pipeline  pipeline.Config
	SlotName  string
	Logger    *zap.Logger
	// Counters lets the caller share one metrics.Counters instance between
	// the engine and components constructed outside it (the StarRocks
	// client records sink retries on the same instance Counters() exposes).
	// A fresh one is created if nil.
	Counters *metrics.Counters
}

// Engine owns the running replication pipeline: one WAL source goroutine
// feeding one Accumulator, with LSN watermarks and a checkpoint store tying
// the two together.
type Engine struct {
	deps Deps

	stage    atomic.Int32
	lsns     *lsn.Triple
	counters *metrics.Counters
	schema   *schema.Cache
	store    *checkpoint.Store
	source   *walsource.Source
	acc      *pipeline.Accumulator

	mu        sync.Mutex
	lastError error

	// txLSN is the FinalLSN of the transaction whose rows are currently being
	// processed, set by the enclosing Begin event and stamped onto every row
	// up to the matching Commit, so every row of a transaction shares one
	// dbmazz_cdc_version (spec §4.5/§8 scenario 1: a delete at commit LSN
	// 0x200 carries dbmazz_cdc_version:512). handleEvent is only ever called
	// from the WAL source's single read-loop goroutine, so this needs no
	// synchronization.
	txLSN uint64

	logger *zap.Logger
}

// New builds an Engine in StageInit. Call Run to take it through SETUP and
// into RUNNING.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lsns := &lsn.Triple{}
	counters := deps.Counters
	if counters == nil {
		counters = metrics.NewCounters()
	}
	store := checkpoint.NewStore(deps.Pool, deps.SlotName)
	source := walsource.New(deps.ReplConn, deps.WALSource, lsns, logger)

	e := &Engine{
		deps:     deps,
		lsns:     lsns,
		counters: counters,
		schema:   schema.NewCache(),
		store:    store,
		source:   source,
		logger:   logger,
	}
	e.stage.Store(int32(StageInit))

	flush := e.wrapFlush(deps.Sink)
	e.acc = pipeline.New(deps.Pipeline, flush, counters)

	return e
}

// Stage returns the engine's current lifecycle stage.
func (e *Engine) Stage() Stage { return Stage(e.stage.Load()) }

// LSNs returns the live watermark triple (received/applied/confirmed).
func (e *Engine) LSNs() *lsn.Triple { return e.lsns }

// Counters returns the engine's running totals.
func (e *Engine) Counters() metrics.Snapshot { return e.counters.Snapshot() }

// LastError returns the most recent terminal error, if the engine has
// transitioned to StageFailed.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

func (e *Engine) setStage(s Stage) { e.stage.Store(int32(s)) }

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.lastError = err
	e.mu.Unlock()
	e.setStage(StageFailed)
	e.logger.Error("engine failed", zap.Error(err))
}

// Run executes SETUP (loading the checkpoint and starting replication at
// the last confirmed position) and then drives the WAL source and
// Accumulator until ctx is canceled or a terminal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	e.setStage(StageSetup)

	if err := e.store.EnsureTable(ctx); err != nil {
		e.fail(err)
		return err
	}

	received, applied, confirmed, ok, err := e.store.Load(ctx)
	if err != nil {
		e.fail(err)
		return err
	}
	if ok {
		e.lsns.AdvanceReceived(received)
		e.lsns.AdvanceApplied(applied)
		e.lsns.AdvanceConfirmed(confirmed)
	}

	if err := e.source.Start(ctx, e.lsns.Confirmed()); err != nil {
		e.fail(err)
		return err
	}

	e.setStage(StageRunning)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.acc.Run(ctx)
	}()

	runErr := e.source.Run(ctx, e.handleEvent)

	if err := e.acc.Drain(context.Background()); err != nil {
		e.logger.Warn("drain on shutdown reported an error", zap.Error(err))
	}
	wg.Wait()

	if runErr != nil && runErr != context.Canceled {
		if errs.Terminal(runErr) {
			e.fail(runErr)
		}
		return runErr
	}

	e.setStage(StageStopped)
	return nil
}

// Pause stops the pipeline from issuing flushes without tearing down the
// WAL source connection; decoded rows keep flowing into the accumulator
// until its safety cap (2*FlushSize pending rows) is reached, after which
// Add blocks and the source's own backpressure takes over.
func (e *Engine) Pause() {
	if e.Stage() == StageRunning {
		e.setStage(StagePaused)
	}
	e.acc.Pause()
}

// Resume reverses Pause.
func (e *Engine) Resume() {
	if e.Stage() == StagePaused {
		e.setStage(StageRunning)
	}
	e.acc.Resume()
}

// Drain flushes all buffered rows and blocks until the flush completes.
func (e *Engine) Drain(ctx context.Context) error {
	e.setStage(StageStopping)
	return e.acc.Drain(ctx)
}

// Reconfigure applies a control facade reload_config request to the
// Accumulator's flush policy. Takes effect on the next batch boundary.
func (e *Engine) Reconfigure(flushSize *int, flushInterval *time.Duration) {
	e.acc.Reconfigure(flushSize, flushInterval)
}

func (e *Engine) handleEvent(event pgoutput.Event) error {
	switch ev := event.(type) {
	case pgoutput.BeginEvent:
		e.txLSN = ev.FinalLSN
		return nil
	case pgoutput.RelationEvent:
		return e.handleRelation(ev)
	case pgoutput.InsertEvent:
		return e.handleRow(ev.RelationID, "insert", false, ev.New)
	case pgoutput.UpdateEvent:
		return e.handleRow(ev.RelationID, "update", false, ev.New)
	case pgoutput.DeleteEvent:
		return e.handleDelete(ev)
	default:
		// Commit/Truncate/Origin/Type/Message carry no row data the sink
		// needs; the commit's own LSN is already captured via the preceding
		// Begin's FinalLSN, which every row of the transaction shares.
		return nil
	}
}

func (e *Engine) handleRelation(ev pgoutput.RelationEvent) error {
	delta, err := e.schema.Apply(ev.Relation)
	if err != nil {
		return err
	}
	if delta == nil {
		return nil
	}
	// Applied synchronously on the decode path: a row carrying a newly added
	// column must never reach the sink before the column does.
	if e.deps.DDL == nil {
		return nil
	}
	if err := e.deps.DDL.AddColumns(context.Background(), ev.Relation.Name, delta.Added); err != nil {
		return err
	}
	e.counters.RecordSchemaDelta(ev.Relation.Name)
	return nil
}

func (e *Engine) handleRow(relationID uint32, op string, isDeleted bool, tuple pgoutput.Tuple) error {
	rel, ok := e.schema.Get(relationID)
	if !ok {
		return errs.New(errs.KindProtocol, fmt.Sprintf("row event for unknown relation id %d", relationID))
	}

	values, hasUnchangedToast, err := decodeValues(rel, tuple)
	if err != nil {
		return err
	}

	row := pipeline.Row{
		Table:             rel.Namespace + "." + rel.Name,
		Op:                op,
		Values:            values,
		IsDeleted:         isDeleted,
		SyncedAt:          time.Now().UnixMilli(),
		CDCVersion:        e.txLSN,
		HasUnchangedToast: hasUnchangedToast,
	}
	return e.acc.Add(context.Background(), row)
}

func (e *Engine) handleDelete(ev pgoutput.DeleteEvent) error {
	tuple := ev.Key
	if tuple == nil {
		tuple = ev.Old
	}
	if tuple == nil {
		return errs.New(errs.KindProtocol, "delete event with neither key nor old image")
	}
	return e.handleRow(ev.RelationID, "delete", true, *tuple)
}

// wrapFlush adapts a sink's FlushFunc into one that also advances the
// applied/confirmed watermarks and persists a checkpoint once the flush
// succeeds — the only point at which it is safe to do either, per the
// confirmed <= applied <= received invariant.
func (e *Engine) wrapFlush(sink pipeline.FlushFunc) pipeline.FlushFunc {
	return func(ctx context.Context, batch pipeline.Batch) error {
		if err := sink(ctx, batch); err != nil {
			return err
		}

		maxLSN := maxLSNOf(batch)
		if maxLSN == 0 {
			return nil
		}

		if err := e.store.Save(ctx, e.lsns.Received(), lsn.LSN(maxLSN), lsn.LSN(maxLSN)); err != nil {
			return err
		}
		e.lsns.AdvanceApplied(lsn.LSN(maxLSN))
		e.lsns.AdvanceConfirmed(lsn.LSN(maxLSN))
		return nil
	}
}

// maxLSNOf returns the highest CDCVersion across every row in batch, the LSN
// up to which it is safe to advance the applied/confirmed watermarks once
// the batch has been durably flushed.
func maxLSNOf(batch pipeline.Batch) uint64 {
	var max uint64
	for _, rows := range batch {
		for _, row := range rows {
			if row.CDCVersion > max {
				max = row.CDCVersion
			}
		}
	}
	return max
}

// decodeValues flattens tuple into a column-name-keyed map, and reports
// whether any slot was unchanged-toast (omitted from the map so partial
// update Stream Load leaves the sink's existing value untouched).
func decodeValues(rel pgoutput.Relation, tuple pgoutput.Tuple) (map[string]any, bool, error) {
	values := make(map[string]any, len(tuple.Slots))
	hasUnchangedToast := false
	for i, slot := range tuple.Slots {
		if i >= len(rel.Columns) {
			return nil, false, errs.New(errs.KindProtocol, "tuple has more columns than relation").WithTable(rel.Name)
		}
		col := rel.Columns[i]
		switch slot.Kind {
		case pgoutput.SlotNull:
			values[col.Name] = nil
		case pgoutput.SlotUnchangedTOAST:
			// Omit entirely: partial_update Stream Load leaves the sink's
			// existing value untouched for any column missing from the row.
			hasUnchangedToast = true
			continue
		case pgoutput.SlotText:
			v, err := typeconv.Decode(col.TypeOID, col.TypeMod, slot.Data)
			if err != nil {
				return nil, false, errs.Wrap(errs.KindProtocol, err, "decoding column value").WithTable(rel.Name).WithColumn(col.Name)
			}
			values[col.Name] = v
		}
	}
	return values, hasUnchangedToast, nil
}
