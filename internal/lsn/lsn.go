// Package lsn tracks the three log-sequence-number watermarks that anchor
// replication progress: received, applied, and confirmed.
package lsn

import (
	"sync/atomic"

	"github.com/jackc/pglogrepl"
)

// LSN is the source write-ahead log position. It reuses pglogrepl's type so
// parsing ("16/B374D848") and formatting stay wire-compatible with the
// source.
type LSN = pglogrepl.LSN

// Triple holds the three monotonically non-decreasing watermarks described
// in spec §3: confirmed <= applied <= received at all times.
//
//   - received advances as the decoder consumes WAL bytes.
//   - applied advances once a batch has been flushed to the sink AND the
//     checkpoint has been durably persisted.
//   - confirmed advances only after applied, and is the value advertised
//     upstream via StandbyStatusUpdate.
type Triple struct {
	received atomic.Uint64
	applied  atomic.Uint64
	confirm  atomic.Uint64
}

// Received returns the last byte position consumed from the WAL stream.
func (t *Triple) Received() LSN { return LSN(t.received.Load()) }

// Applied returns the last event fully written to the sink and checkpointed.
func (t *Triple) Applied() LSN { return LSN(t.applied.Load()) }

// Confirmed returns the last value sent back to the source and persisted locally.
func (t *Triple) Confirmed() LSN { return LSN(t.confirm.Load()) }

// AdvanceReceived moves the received watermark forward if v is greater.
func (t *Triple) AdvanceReceived(v LSN) {
	advance(&t.received, uint64(v))
}

// AdvanceApplied moves the applied watermark forward if v is greater. Callers
// must only do this after a successful flush and checkpoint persistence
// (invariant 3 in spec §3).
func (t *Triple) AdvanceApplied(v LSN) {
	advance(&t.applied, uint64(v))
}

// AdvanceConfirmed moves the confirmed watermark forward if v is greater.
// Callers must only do this after AdvanceApplied has already reached v.
func (t *Triple) AdvanceConfirmed(v LSN) {
	advance(&t.confirm, uint64(v))
}

// advance performs a monotonic compare-and-swap: it never moves a.Load()
// backwards, even under concurrent callers racing to advance the same watermark.
func advance(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}
