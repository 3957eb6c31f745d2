package pgoutput

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/segmentio/asm/utf8"
)

// ProtocolError reports a malformed pgoutput frame: unknown leading byte,
// truncated field, non-UTF8 column name, or a binary ('b') tuple slot.
func protocolError(format string, args ...any) error {
	return errs.New(errs.KindProtocol, fmt.Sprintf(format, args...))
}

// Decode parses one pgoutput message from the bytes of an XLogData frame's
// WALData. The returned Event borrows from data; see the package doc for the
// copy contract.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, protocolError("empty message")
	}

	d := &decoder{buf: data[1:]}
	switch data[0] {
	case 'B':
		return d.decodeBegin()
	case 'C':
		return d.decodeCommit()
	case 'R':
		return d.decodeRelation()
	case 'Y':
		return d.decodeType()
	case 'O':
		return d.decodeOrigin()
	case 'I':
		return d.decodeInsert()
	case 'U':
		return d.decodeUpdate()
	case 'D':
		return d.decodeDelete()
	case 'T':
		return d.decodeTruncate()
	case 'M':
		return d.decodeMessage()
	default:
		return nil, protocolError("unknown message type %q", data[0])
	}
}

// decoder walks a byte slice left to right without copying.
type decoder struct {
	buf []byte
}

func (d *decoder) remaining() int { return len(d.buf) }

func (d *decoder) need(n int) error {
	if len(d.buf) < n {
		return protocolError("truncated field: need %d bytes, have %d", n, len(d.buf))
	}
	return nil
}

func (d *decoder) uint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v, nil
}

func (d *decoder) uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v, nil
}

func (d *decoder) int32() (int32, error) {
	v, err := d.uint32()
	return int32(v), err
}

func (d *decoder) uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, nil
}

func (d *decoder) uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v, nil
}

// cstring reads a NUL-terminated string, validating it as UTF-8 with a
// SIMD-accelerated validator (segmentio/asm/utf8) since relation/column
// names and message prefixes come straight off the wire.
func (d *decoder) cstring() (string, error) {
	idx := indexByte(d.buf, 0)
	if idx < 0 {
		return "", protocolError("unterminated string")
	}
	raw := d.buf[:idx]
	d.buf = d.buf[idx+1:]
	if !utf8.Valid(raw) {
		return "", protocolError("non-UTF8 string field")
	}
	return string(raw), nil
}

// indexByte locates the first zero byte terminating a wire C-string. Left on
// the stdlib's bytes.IndexByte rather than a third-party primitive — see
// DESIGN.md for why no pack dependency supplies a distinct byte-search
// primitive beyond what segmentio/asm's utf8 validator and the Go runtime's
// own assembly IndexByte already cover between them.
func indexByte(b []byte, c byte) int {
	return bytes.IndexByte(b, c)
}

func (d *decoder) decodeBegin() (Event, error) {
	lsn, err := d.uint64()
	if err != nil {
		return nil, err
	}
	ts, err := d.int64()
	if err != nil {
		return nil, err
	}
	xid, err := d.uint32()
	if err != nil {
		return nil, err
	}
	return BeginEvent{FinalLSN: lsn, Timestamp: ts, Xid: xid}, nil
}

func (d *decoder) int64() (int64, error) {
	v, err := d.uint64()
	return int64(v), err
}

func (d *decoder) decodeCommit() (Event, error) {
	flags, err := d.uint8()
	if err != nil {
		return nil, err
	}
	commitLSN, err := d.uint64()
	if err != nil {
		return nil, err
	}
	endLSN, err := d.uint64()
	if err != nil {
		return nil, err
	}
	ts, err := d.int64()
	if err != nil {
		return nil, err
	}
	return CommitEvent{Flags: flags, CommitLSN: commitLSN, EndLSN: endLSN, Timestamp: ts}, nil
}

func (d *decoder) decodeOrigin() (Event, error) {
	lsn, err := d.uint64()
	if err != nil {
		return nil, err
	}
	name, err := d.cstring()
	if err != nil {
		return nil, err
	}
	return OriginEvent{LSN: lsn, Name: name}, nil
}

func (d *decoder) decodeType() (Event, error) {
	oid, err := d.uint32()
	if err != nil {
		return nil, err
	}
	ns, err := d.cstring()
	if err != nil {
		return nil, err
	}
	name, err := d.cstring()
	if err != nil {
		return nil, err
	}
	return TypeEvent{DataType: oid, Namespace: ns, Name: name}, nil
}

func (d *decoder) decodeRelation() (Event, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, err
	}
	ns, err := d.cstring()
	if err != nil {
		return nil, err
	}
	name, err := d.cstring()
	if err != nil {
		return nil, err
	}
	identByte, err := d.uint8()
	if err != nil {
		return nil, err
	}
	ncols, err := d.uint16()
	if err != nil {
		return nil, err
	}

	cols := make([]Column, 0, ncols)
	for i := uint16(0); i < ncols; i++ {
		flags, err := d.uint8()
		if err != nil {
			return nil, err
		}
		colName, err := d.cstring()
		if err != nil {
			return nil, err
		}
		typeOID, err := d.uint32()
		if err != nil {
			return nil, err
		}
		typeMod, err := d.int32()
		if err != nil {
			return nil, err
		}
		cols = append(cols, Column{
			Name:    colName,
			TypeOID: typeOID,
			TypeMod: typeMod,
			IsKey:   flags&0x1 != 0,
		})
	}

	return RelationEvent{Relation: Relation{
		RelationID:      relID,
		Namespace:       ns,
		Name:            name,
		ReplicaIdentity: ReplicaIdentity(identByte),
		Columns:         cols,
	}}, nil
}

func (d *decoder) decodeTuple() (Tuple, error) {
	ncols, err := d.uint16()
	if err != nil {
		return Tuple{}, err
	}
	slots := make([]Slot, 0, ncols)
	for i := uint16(0); i < ncols; i++ {
		kind, err := d.uint8()
		if err != nil {
			return Tuple{}, err
		}
		switch SlotKind(kind) {
		case SlotNull:
			slots = append(slots, Slot{Kind: SlotNull})
		case SlotUnchangedTOAST:
			slots = append(slots, Slot{Kind: SlotUnchangedTOAST})
		case SlotText:
			n, err := d.uint32()
			if err != nil {
				return Tuple{}, err
			}
			if err := d.need(int(n)); err != nil {
				return Tuple{}, err
			}
			val := d.buf[:n]
			d.buf = d.buf[n:]
			slots = append(slots, Slot{Kind: SlotText, Data: val})
		case 'b':
			return Tuple{}, protocolError("binary tuple format is not supported")
		default:
			return Tuple{}, protocolError("unknown tuple slot tag %q", kind)
		}
	}
	return Tuple{Slots: slots}, nil
}

func (d *decoder) decodeInsert() (Event, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, err
	}
	tag, err := d.uint8()
	if err != nil {
		return nil, err
	}
	if tag != 'N' {
		return nil, protocolError("insert: expected 'N' tuple tag, got %q", tag)
	}
	tup, err := d.decodeTuple()
	if err != nil {
		return nil, err
	}
	return InsertEvent{RelationID: relID, New: tup}, nil
}

func (d *decoder) decodeUpdate() (Event, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, err
	}

	var key, old *Tuple
	tag, err := d.uint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 'K':
		t, err := d.decodeTuple()
		if err != nil {
			return nil, err
		}
		key = &t
		tag, err = d.uint8()
		if err != nil {
			return nil, err
		}
	case 'O':
		t, err := d.decodeTuple()
		if err != nil {
			return nil, err
		}
		old = &t
		tag, err = d.uint8()
		if err != nil {
			return nil, err
		}
	}
	if tag != 'N' {
		return nil, protocolError("update: expected 'N' tuple tag, got %q", tag)
	}
	newTup, err := d.decodeTuple()
	if err != nil {
		return nil, err
	}
	return UpdateEvent{RelationID: relID, Key: key, Old: old, New: newTup}, nil
}

func (d *decoder) decodeDelete() (Event, error) {
	relID, err := d.uint32()
	if err != nil {
		return nil, err
	}
	tag, err := d.uint8()
	if err != nil {
		return nil, err
	}
	var key, old *Tuple
	switch tag {
	case 'K':
		t, err := d.decodeTuple()
		if err != nil {
			return nil, err
		}
		key = &t
	case 'O':
		t, err := d.decodeTuple()
		if err != nil {
			return nil, err
		}
		old = &t
	default:
		return nil, protocolError("delete: expected 'K' or 'O' tuple tag, got %q", tag)
	}
	return DeleteEvent{RelationID: relID, Key: key, Old: old}, nil
}

func (d *decoder) decodeTruncate() (Event, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	opts, err := d.uint8()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := d.uint32()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return TruncateEvent{
		RelationIDs: ids,
		Cascade:     opts&0x1 != 0,
		RestartSeqs: opts&0x2 != 0,
	}, nil
}

func (d *decoder) decodeMessage() (Event, error) {
	flags, err := d.uint8()
	if err != nil {
		return nil, err
	}
	lsn, err := d.uint64()
	if err != nil {
		return nil, err
	}
	prefix, err := d.cstring()
	if err != nil {
		return nil, err
	}
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	content := d.buf[:n]
	d.buf = d.buf[n:]
	return MessageEvent{Transactional: flags&0x1 != 0, LSN: lsn, Prefix: prefix, Content: content}, nil
}
