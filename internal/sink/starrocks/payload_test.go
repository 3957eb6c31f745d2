package starrocks

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbmazz/dbmazz/internal/pipeline"
)

func TestEncodeNDJSONAddsAuditColumns(t *testing.T) {
	rows := []pipeline.Row{
		{
			Table:      "public.accounts",
			Op:         "insert",
			Values:     map[string]any{"id": int64(1), "name": "alice"},
			IsDeleted:  false,
			SyncedAt:   1700000000,
			CDCVersion: 42,
		},
		{
			Table:      "public.accounts",
			Op:         "delete",
			Values:     map[string]any{"id": int64(2)},
			IsDeleted:  true,
			SyncedAt:   1700000001,
			CDCVersion: 43,
		},
	}

	body, err := EncodeNDJSON(rows)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "alice", first["name"])
	assert.EqualValues(t, 0, first[ColOpType])
	assert.Equal(t, false, first[ColIsDeleted])
	assert.EqualValues(t, 42, first[ColCDCVer])

	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.EqualValues(t, 2, second[ColOpType])
	assert.Equal(t, true, second[ColIsDeleted])
}

func TestOpCodeMapsInsertUpdateDelete(t *testing.T) {
	assert.Equal(t, 0, opCode("insert"))
	assert.Equal(t, 1, opCode("update"))
	assert.Equal(t, 2, opCode("delete"))
}

func TestBatchColumnsSortsSourceColumnsThenAppendsAuditColumns(t *testing.T) {
	rows := []pipeline.Row{
		{Op: "insert", Values: map[string]any{"id": int64(1), "name": "a"}},
		{Op: "update", Values: map[string]any{"id": int64(2), "email": "b@example.com"}},
	}
	assert.Equal(t, []string{"email", "id", "name", ColOpType, ColIsDeleted, ColSyncedAt, ColCDCVer}, BatchColumns(rows))
}

func TestBatchNeedsPartialUpdateRequiresUpsertAndUnchangedToast(t *testing.T) {
	assert.False(t, BatchNeedsPartialUpdate([]pipeline.Row{
		{Op: "delete", HasUnchangedToast: true},
	}), "a delete-only batch never needs partial_update, even with unchanged-toast")

	assert.False(t, BatchNeedsPartialUpdate([]pipeline.Row{
		{Op: "insert", HasUnchangedToast: false},
		{Op: "update", HasUnchangedToast: false},
	}), "no unchanged-toast anywhere in the batch means no partial_update")

	assert.True(t, BatchNeedsPartialUpdate([]pipeline.Row{
		{Op: "delete", HasUnchangedToast: true},
		{Op: "update", HasUnchangedToast: false},
	}), "an upsert row plus unchanged-toast anywhere in the batch needs partial_update")
}

func TestEncodeNDJSONEmpty(t *testing.T) {
	body, err := EncodeNDJSON(nil)
	require.NoError(t, err)
	assert.Empty(t, bytes.TrimSpace(body))
}
