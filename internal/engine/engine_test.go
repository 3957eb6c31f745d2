package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmazz/dbmazz/internal/pgoutput"
	"github.com/dbmazz/dbmazz/internal/pipeline"
)

func TestStageString(t *testing.T) {
	assert.Equal(t, "INIT", StageInit.String())
	assert.Equal(t, "RUNNING", StageRunning.String())
	assert.Equal(t, "FAILED", StageFailed.String())
	assert.Equal(t, "UNKNOWN", Stage(99).String())
}

func TestMaxLSNOf(t *testing.T) {
	batch := pipeline.Batch{
		"public.a": {{CDCVersion: 10}, {CDCVersion: 25}},
		"public.b": {{CDCVersion: 5}},
	}
	assert.Equal(t, uint64(25), maxLSNOf(batch))
	assert.Equal(t, uint64(0), maxLSNOf(pipeline.Batch{}))
}

func newTestEngine(t *testing.T, flush pipeline.FlushFunc) *Engine {
	t.Helper()
	return New(Deps{
		Sink:     flush,
		Pipeline: pipeline.Config{FlushSize: 1, FlushInterval: time.Hour, ChannelCapacity: 10},
		SlotName: "test_slot",
	})
}

func tuple(values ...string) pgoutput.Tuple {
	slots := make([]pgoutput.Slot, len(values))
	for i, v := range values {
		slots[i] = pgoutput.Slot{Kind: pgoutput.SlotText, Data: []byte(v)}
	}
	return pgoutput.Tuple{Slots: slots}
}

func TestHandleEventInsertFlowsThroughToSink(t *testing.T) {
	var mu sync.Mutex
	var captured pipeline.Batch
	done := make(chan struct{})

	flush := func(ctx context.Context, batch pipeline.Batch) error {
		mu.Lock()
		captured = batch
		mu.Unlock()
		close(done)
		return nil
	}

	e := newTestEngine(t, flush)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.acc.Run(ctx)

	rel := pgoutput.Relation{
		Namespace:  "public",
		Name:       "accounts",
		RelationID: 1,
		Columns: []pgoutput.Column{
			{Name: "id", TypeOID: pgtype.Int4OID},
			{Name: "name", TypeOID: pgtype.TextOID},
		},
	}
	require.NoError(t, e.handleEvent(pgoutput.RelationEvent{Relation: rel}))

	require.NoError(t, e.handleEvent(pgoutput.BeginEvent{FinalLSN: 42}))
	require.NoError(t, e.handleEvent(pgoutput.InsertEvent{
		RelationID: 1,
		New:        tuple("7", "ada"),
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush was not called in time")
	}

	mu.Lock()
	defer mu.Unlock()
	rows := captured["public.accounts"]
	require.Len(t, rows, 1)
	assert.Equal(t, "insert", rows[0].Op)
	assert.False(t, rows[0].IsDeleted)
	assert.Equal(t, int64(7), rows[0].Values["id"])
	assert.Equal(t, "ada", rows[0].Values["name"])
	assert.Equal(t, uint64(42), rows[0].CDCVersion)
}

func TestHandleRowStampsCommitLSNOfEnclosingTransaction(t *testing.T) {
	var mu sync.Mutex
	var flushes []pipeline.Batch

	flush := func(ctx context.Context, batch pipeline.Batch) error {
		mu.Lock()
		flushes = append(flushes, batch)
		mu.Unlock()
		return nil
	}

	e := newTestEngine(t, flush)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.acc.Run(ctx)

	rel := pgoutput.Relation{
		Namespace:  "public",
		Name:       "orders",
		RelationID: 1,
		Columns:    []pgoutput.Column{{Name: "id", TypeOID: pgtype.Int4OID}},
	}
	require.NoError(t, e.handleEvent(pgoutput.RelationEvent{Relation: rel}))

	// First transaction, two rows: both must share its FinalLSN, not the
	// continuously-advancing received watermark.
	require.NoError(t, e.handleEvent(pgoutput.BeginEvent{FinalLSN: 0x100}))
	require.NoError(t, e.handleEvent(pgoutput.InsertEvent{RelationID: 1, New: tuple("1")}))
	require.NoError(t, e.handleEvent(pgoutput.InsertEvent{RelationID: 1, New: tuple("2")}))
	require.NoError(t, e.handleEvent(pgoutput.CommitEvent{CommitLSN: 0x100}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Second transaction, one row: must carry its own, later FinalLSN.
	require.NoError(t, e.handleEvent(pgoutput.BeginEvent{FinalLSN: 0x200}))
	require.NoError(t, e.handleEvent(pgoutput.DeleteEvent{RelationID: 1, Key: func() *pgoutput.Tuple { tp := tuple("1"); return &tp }()}))
	require.NoError(t, e.handleEvent(pgoutput.CommitEvent{CommitLSN: 0x200}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// FlushSize is 1, so every row goes out in a flush of its own.
	first := flushes[0]["public.orders"]
	require.Len(t, first, 1)
	assert.EqualValues(t, 0x100, first[0].CDCVersion)
	second := flushes[1]["public.orders"]
	require.Len(t, second, 1)
	assert.EqualValues(t, 0x100, second[0].CDCVersion)

	third := flushes[2]["public.orders"]
	require.Len(t, third, 1)
	assert.EqualValues(t, 0x200, third[0].CDCVersion)
}

func TestHandleRowUnknownRelationErrors(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, batch pipeline.Batch) error { return nil })
	err := e.handleEvent(pgoutput.InsertEvent{RelationID: 99, New: tuple("1")})
	require.Error(t, err)
}

func TestHandleDeleteAcceptsKeyAndRejectsMissingImage(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, batch pipeline.Batch) error { return nil })

	rel := pgoutput.Relation{Namespace: "public", Name: "accounts", RelationID: 1, Columns: []pgoutput.Column{
		{Name: "id", TypeOID: pgtype.Int4OID},
	}}
	require.NoError(t, e.handleEvent(pgoutput.RelationEvent{Relation: rel}))

	key := tuple("3")
	err := e.handleEvent(pgoutput.DeleteEvent{RelationID: 1, Key: &key})
	require.NoError(t, err)

	err = e.handleEvent(pgoutput.DeleteEvent{RelationID: 1})
	require.Error(t, err)
}

func TestPauseResumeTogglesStage(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, batch pipeline.Batch) error { return nil })
	e.setStage(StageRunning)

	e.Pause()
	assert.Equal(t, StagePaused, e.Stage())

	e.Resume()
	assert.Equal(t, StageRunning, e.Stage())
}

func TestFailSetsLastErrorAndStage(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, batch pipeline.Batch) error { return nil })
	e.fail(assert.AnError)
	assert.Equal(t, StageFailed, e.Stage())
	assert.ErrorIs(t, e.LastError(), assert.AnError)
}
