// Package typeconv maps a Postgres column's type OID to a decoder that turns
// a pgoutput text-format Slot into a Go value suitable for JSON encoding in
// a Stream Load NDJSON row.
package typeconv

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Decode converts the text-format bytes of a single column value, identified
// by its Postgres type OID, into a value ready for JSON marshaling.
//
// typeMod is passed through for types whose text representation depends on
// it (currently unused, reserved for numeric precision/scale handling).
func Decode(oid uint32, typeMod int32, raw []byte) (any, error) {
	text := string(raw)

	switch oid {
	case pgtype.BoolOID:
		switch text {
		case "t":
			return true, nil
		case "f":
			return false, nil
		default:
			return nil, fmt.Errorf("typeconv: invalid bool text %q", text)
		}

	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("typeconv: invalid integer text %q: %w", text, err)
		}
		return v, nil

	case pgtype.Float4OID, pgtype.Float8OID:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("typeconv: invalid float text %q: %w", text, err)
		}
		return v, nil

	case pgtype.NumericOID:
		// Preserved as a string: forcing it through float64 risks precision
		// loss that a financial sink should never introduce silently.
		return text, nil

	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID:
		return text, nil

	case pgtype.ByteaOID:
		// pgoutput's text format for bytea is the "\x"-prefixed hex encoding;
		// pass it through unmodified, the sink column is itself textual.
		return text, nil

	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return text, nil

	case pgtype.DateOID:
		return text, nil

	case pgtype.TimeOID, pgtype.TimetzOID:
		return text, nil

	case pgtype.UUIDOID:
		id, err := uuid.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("typeconv: invalid uuid text %q: %w", text, err)
		}
		return id.String(), nil

	case pgtype.JSONOID, pgtype.JSONBOID:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("typeconv: invalid json text: %w", err)
		}
		return v, nil

	default:
		return fallbackText(text), nil
	}
}

// fallbackText handles any OID this table doesn't special-case — arrays,
// enums, ranges, extension types — by carrying the column's native text
// representation through unmodified. The sink maps these to VARCHAR(65533).
func fallbackText(text string) string {
	return text
}
