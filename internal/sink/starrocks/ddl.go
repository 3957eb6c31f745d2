package starrocks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver; StarRocks' FE speaks the MySQL wire protocol on its query port

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/dbmazz/dbmazz/internal/pgoutput"
)

// SQLClient issues DDL against a StarRocks FE over its MySQL-compatible
// query port: ALTER TABLE ADD COLUMN for additive schema deltas, and the
// connectivity probe setup runs before starting replication.
type SQLClient struct {
	db       *sql.DB
	database string
}

// NewSQLClient opens a connection pool to addr (host:port of the StarRocks
// FE's MySQL query port) using database as the default schema.
func NewSQLClient(addr, user, password, database string) (*SQLClient, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?sql_mode=ANSI_QUOTES&parseTime=true", user, password, addr, database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindSetup, err, "opening starrocks sql connection")
	}
	return &SQLClient{db: db, database: database}, nil
}

// Ping verifies connectivity to the FE, used during setup.
func (c *SQLClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindSetup, err, "starrocks connectivity probe failed")
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *SQLClient) Close() error { return c.db.Close() }

// EnsureAuditColumns adds the dbmazz_* audit columns to table if they are
// not already present. Safe to call repeatedly: every statement uses
// ADD COLUMN IF NOT EXISTS, and any error StarRocks returns is reported.
func (c *SQLClient) EnsureAuditColumns(ctx context.Context, table string) error {
	stmts := []string{
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TINYINT`, quoteIdent(table), quoteIdent(ColOpType)),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BOOLEAN DEFAULT "0"`, quoteIdent(table), quoteIdent(ColIsDeleted)),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BIGINT`, quoteIdent(table), quoteIdent(ColSyncedAt)),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BIGINT`, quoteIdent(table), quoteIdent(ColCDCVer)),
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.KindSetup, err, "adding audit column").WithTable(table)
		}
	}
	return nil
}

// AddColumns applies an additive schema delta detected by the schema cache:
// one ADD COLUMN per newly announced source column, typed via
// sqlTypeForOID.
func (c *SQLClient) AddColumns(ctx context.Context, table string, cols []pgoutput.Column) error {
	for _, col := range cols {
		ddlType := sqlTypeForOID(col.TypeOID)
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
			quoteIdent(table), quoteIdent(col.Name), ddlType)
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.KindSchemaMismatch, err, "applying schema delta").WithTable(table).WithColumn(col.Name)
		}
	}
	return nil
}

func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// sqlTypeForOID maps a Postgres type OID to the StarRocks column type used
// when adding a column discovered mid-stream. Kept narrow and permissive:
// anything not recognized lands in a VARCHAR wide enough for any text-format
// value, since StarRocks can always widen a column later but never safely
// narrow one under live traffic.
func sqlTypeForOID(oid uint32) string {
	switch oid {
	case 16: // bool
		return "BOOLEAN"
	case 21, 23: // int2, int4
		return "INT"
	case 20: // int8
		return "BIGINT"
	case 700: // float4
		return "FLOAT"
	case 701: // float8
		return "DOUBLE"
	case 1700: // numeric
		return "DECIMAL(38, 9)"
	case 1082: // date
		return "DATE"
	case 1114, 1184: // timestamp, timestamptz
		return "DATETIME"
	default:
		return "VARCHAR(65533)"
	}
}
