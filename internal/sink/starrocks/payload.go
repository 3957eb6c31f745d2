// Package starrocks implements the analytical sink: NDJSON Stream Load
// ingestion with partial-update upserts, plus the DDL needed to keep a
// target table's columns in step with the source schema.
package starrocks

import (
	"bytes"
	"sort"

	"github.com/goccy/go-json"

	"github.com/dbmazz/dbmazz/internal/pipeline"
)

// Audit columns every Stream Loaded row carries in addition to the source's
// own columns, so the target table can express soft-deletes, idempotent
// upserts, and provenance without the source schema needing to know about
// any of it.
const (
	ColOpType    = "dbmazz_op_type"
	ColIsDeleted = "dbmazz_is_deleted"
	ColSyncedAt  = "dbmazz_synced_at"
	ColCDCVer    = "dbmazz_cdc_version"
)

// opCode maps a Row's op string to the integer code dbmazz_op_type carries:
// 0 for Insert, 1 for Update, 2 for Delete.
func opCode(op string) int {
	switch op {
	case "insert":
		return 0
	case "update":
		return 1
	case "delete":
		return 2
	default:
		return -1
	}
}

// EncodeNDJSON renders one table's buffered rows as newline-delimited JSON,
// the body format Stream Load expects when format=json and
// strip_outer_array is not set. Uses goccy/go-json rather than encoding/json
// for its SIMD-accelerated encode path on the hot ingestion loop.
func EncodeNDJSON(rows []pipeline.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, row := range rows {
		rec := make(map[string]any, len(row.Values)+4)
		for k, v := range row.Values {
			rec[k] = v
		}
		rec[ColOpType] = opCode(row.Op)
		rec[ColIsDeleted] = row.IsDeleted
		rec[ColSyncedAt] = row.SyncedAt
		rec[ColCDCVer] = row.CDCVersion

		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// BatchColumns returns the csv-ready column list Stream Load's columns
// header needs: the sorted union of every row's source column names,
// followed by the four audit columns in fixed order.
func BatchColumns(rows []pipeline.Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row.Values {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen)+4)
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return append(cols, ColOpType, ColIsDeleted, ColSyncedAt, ColCDCVer)
}

// BatchNeedsPartialUpdate reports whether the batch must Stream Load with
// partial_update: true — an insert or update row is present, and at least
// one row in the batch left a column unchanged-toast.
func BatchNeedsPartialUpdate(rows []pipeline.Row) bool {
	hasUpsert := false
	hasUnchangedToast := false
	for _, row := range rows {
		switch row.Op {
		case "insert", "update":
			hasUpsert = true
		}
		if row.HasUnchangedToast {
			hasUnchangedToast = true
		}
	}
	return hasUpsert && hasUnchangedToast
}
