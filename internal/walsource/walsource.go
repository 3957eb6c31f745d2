// Package walsource streams from a Postgres logical-replication connection:
// it drives START_REPLICATION for a pgoutput slot and hands each decoded
// event synchronously to a handler, so a slow handler blocks the read loop.
package walsource

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/lsn"
	"github.com/dbmazz/dbmazz/internal/pgoutput"
)

// Config tunes connection and keepalive behavior.
type Config struct {
	SlotName              string
	PublicationName       string
	StandbyUpdateInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StandbyUpdateInterval == 0 {
		c.StandbyUpdateInterval = 10 * time.Second
	}
	return c
}

// Source streams decoded pgoutput events from a single replication
// connection, tracking the received watermark and periodically reporting
// the confirmed watermark back to the source via StandbyStatusUpdate.
type Source struct {
	conn   *pgconn.PgConn
	cfg    Config
	logger *zap.Logger
	lsns   *lsn.Triple
}

// New wraps an already-open replication-mode connection. The caller is
// responsible for dialing conn with replication=database in its connection
// string and for closing it once streaming stops.
func New(conn *pgconn.PgConn, cfg Config, lsns *lsn.Triple, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{conn: conn, cfg: cfg.withDefaults(), logger: logger, lsns: lsns}
}

// Start issues START_REPLICATION against the configured
// slot/publication, resuming from startLSN (typically the checkpoint
// store's last confirmed position, or 0 to let the server pick).
func (s *Source) Start(ctx context.Context, startLSN lsn.LSN) error {
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", s.cfg.PublicationName),
		"messages 'true'",
	}

	if err := pglogrepl.StartReplication(ctx, s.conn, s.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs,
	}); err != nil {
		return errs.Wrap(errs.KindSetup, err, "starting replication")
	}
	return nil
}

// Run reads framed replication messages until ctx is canceled or a
// non-timeout error occurs, dispatching each decoded pgoutput Event to
// handle. handle is called synchronously on the read loop's goroutine;
// a slow handler applies backpressure all the way back to the socket read,
// which is the intended behavior — Postgres itself will buffer WAL for a
// slow consumer up to its own retention limits.
func (s *Source) Run(ctx context.Context, handle func(pgoutput.Event) error) error {
	nextStandby := time.Now().Add(s.cfg.StandbyUpdateInterval)

	for {
		if time.Now().After(nextStandby) {
			if err := s.sendStandbyStatus(ctx); err != nil {
				return errs.Wrap(errs.KindTransient, err, "sending standby status update")
			}
			nextStandby = time.Now().Add(s.cfg.StandbyUpdateInterval)
		}

		msgCtx, cancel := context.WithDeadline(ctx, nextStandby)
		msg, err := s.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return errs.Wrap(errs.KindTransient, err, "receiving replication message")
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				s.logger.Warn("malformed primary keepalive message", zap.Error(err))
				continue
			}
			s.lsns.AdvanceReceived(pkm.ServerWALEnd)
			if pkm.ReplyRequested {
				nextStandby = time.Now()
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return errs.Wrap(errs.KindProtocol, err, "parsing XLogData frame")
			}
			s.lsns.AdvanceReceived(xld.WALStart)

			event, err := pgoutput.Decode(xld.WALData)
			if err != nil {
				return err // already an *errs.Error with KindProtocol
			}
			if err := handle(event); err != nil {
				return err
			}
		}
	}
}

func (s *Source) sendStandbyStatus(ctx context.Context) error {
	return pglogrepl.SendStandbyStatusUpdate(ctx, s.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: s.lsns.Received(),
		WALFlushPosition: s.lsns.Confirmed(),
		WALApplyPosition: s.lsns.Confirmed(),
	})
}
