// Package checkpoint persists the engine's LSN watermarks to a table on the
// source Postgres database, so a restart resumes from the last durably
// applied position instead of replaying or skipping WAL.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/lsn"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS dbmazz_checkpoints (
	slot_name  text PRIMARY KEY,
	received   bigint NOT NULL,
	applied    bigint NOT NULL,
	confirmed  bigint NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// Store reads and writes the single row of watermark state for one
// replication slot.
type Store struct {
	pool     *pgxpool.Pool
	slotName string
}

// NewStore returns a checkpoint Store backed by pool, scoped to slotName.
func NewStore(pool *pgxpool.Pool, slotName string) *Store {
	return &Store{pool: pool, slotName: slotName}
}

// EnsureTable creates the checkpoint table if it does not already exist.
// Called once during setup.
func (s *Store) EnsureTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return errs.Wrap(errs.KindSetup, err, "creating checkpoint table")
	}
	return nil
}

// Load returns the last persisted watermarks for this slot. If no row
// exists yet (first run), it returns all-zero LSNs and ok=false.
func (s *Store) Load(ctx context.Context) (received, applied, confirmed lsn.LSN, ok bool, err error) {
	row := s.pool.QueryRow(ctx,
		`SELECT received, applied, confirmed FROM dbmazz_checkpoints WHERE slot_name = $1`,
		s.slotName)

	var r, a, c uint64
	if scanErr := row.Scan(&r, &a, &c); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, 0, 0, false, nil
		}
		return 0, 0, 0, false, errs.Wrap(errs.KindTransient, scanErr, "loading checkpoint")
	}
	return lsn.LSN(r), lsn.LSN(a), lsn.LSN(c), true, nil
}

// Save persists the given watermarks, retrying transient failures with
// backoff. It never advances the caller's view of "confirmed" — it only
// records whatever Triple the caller has already validated is safe to
// persist (applied must already cover confirmed).
func (s *Store) Save(ctx context.Context, received, applied, confirmed lsn.LSN) error {
	op := func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO dbmazz_checkpoints (slot_name, received, applied, confirmed, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (slot_name) DO UPDATE SET
				received = EXCLUDED.received,
				applied = EXCLUDED.applied,
				confirmed = EXCLUDED.confirmed,
				updated_at = now()
		`, s.slotName, uint64(received), uint64(applied), uint64(confirmed))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return errs.Wrap(errs.KindFatal, err, "persisting checkpoint after retries exhausted")
	}
	return nil
}
