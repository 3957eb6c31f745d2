// Package setup performs the idempotent, one-shot bootstrap spec.md §4.8
// requires before the engine starts streaming: source-side table/publication
// /slot preparation and sink-side connectivity and audit-column creation.
package setup

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/sink/starrocks"
)

// SourceConfig carries the names and table list setup needs; it mirrors
// internal/config.SourceConfig without importing it, keeping this package
// free to be exercised with hand-built values in tests.
type SourceConfig struct {
	SlotName        string
	PublicationName string
	Tables          []string
}

// Source runs the idempotent source-side bootstrap: verifies each named
// table exists, sets REPLICA IDENTITY FULL on it (so updates/deletes carry a
// full old-row image regardless of primary key shape), creates the
// publication if missing, and creates the replication slot if missing.
//
// pool is an ordinary (non-replication) connection pool used for DDL and
// catalog checks; replConn is a connection already opened in replication
// mode (required by CreateReplicationSlot), typically short-lived and
// closed by the caller after setup completes.
func Source(ctx context.Context, pool *pgxpool.Pool, replConn *pgconn.PgConn, cfg SourceConfig) error {
	for _, table := range cfg.Tables {
		if err := ensureTableExists(ctx, pool, table); err != nil {
			return err
		}
		if err := setReplicaIdentityFull(ctx, pool, table); err != nil {
			return err
		}
	}

	if err := ensurePublication(ctx, pool, cfg); err != nil {
		return err
	}

	if err := ensureSlot(ctx, replConn, cfg.SlotName); err != nil {
		return err
	}

	return nil
}

func ensureTableExists(ctx context.Context, pool *pgxpool.Pool, qualifiedTable string) error {
	schema, table := splitQualifiedName(qualifiedTable)

	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, table,
	).Scan(&exists)
	if err != nil {
		return errs.Wrap(errs.KindSetup, err, "checking table existence").WithTable(qualifiedTable)
	}
	if !exists {
		return errs.New(errs.KindSetup, "table does not exist").WithTable(qualifiedTable)
	}
	return nil
}

func setReplicaIdentityFull(ctx context.Context, pool *pgxpool.Pool, qualifiedTable string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY FULL", quoteQualified(qualifiedTable))
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return errs.Wrap(errs.KindSetup, err, "setting replica identity full").WithTable(qualifiedTable)
	}
	return nil
}

func ensurePublication(ctx context.Context, pool *pgxpool.Pool, cfg SourceConfig) error {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)`,
		cfg.PublicationName,
	).Scan(&exists)
	if err != nil {
		return errs.Wrap(errs.KindSetup, err, "checking publication existence")
	}
	if exists {
		return nil
	}

	quoted := make([]string, len(cfg.Tables))
	for i, t := range cfg.Tables {
		quoted[i] = quoteQualified(t)
	}
	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", quoteIdent(cfg.PublicationName), strings.Join(quoted, ", "))
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return errs.Wrap(errs.KindSetup, err, "creating publication")
	}
	return nil
}

func ensureSlot(ctx context.Context, conn *pgconn.PgConn, name string) error {
	result, err := conn.Exec(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = '%s')", name)).ReadAll()
	if err != nil {
		return errs.Wrap(errs.KindSetup, err, "checking replication slot existence")
	}
	exists := len(result) > 0 && len(result[0].Rows) > 0 && string(result[0].Rows[0][0]) == "t"
	if exists {
		return nil
	}

	if _, err := pglogrepl.CreateReplicationSlot(ctx, conn, name, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: false}); err != nil {
		return errs.Wrap(errs.KindSetup, err, "creating replication slot")
	}
	return nil
}

// Sink runs the idempotent sink-side bootstrap: a connectivity probe
// followed by adding the dbmazz audit columns to every target table.
func Sink(ctx context.Context, client *starrocks.SQLClient, tables []string) error {
	if err := client.Ping(ctx); err != nil {
		return err
	}
	for _, table := range tables {
		_, name := splitQualifiedName(table)
		if err := client.EnsureAuditColumns(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func splitQualifiedName(qualified string) (schema, table string) {
	parts := strings.SplitN(qualified, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "public", parts[0]
}

func quoteQualified(qualified string) string {
	schema, table := splitQualifiedName(qualified)
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
