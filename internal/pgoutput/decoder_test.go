package pgoutput

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/dbmazz/dbmazz/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireBuilder assembles a pgoutput message byte by byte, mirroring the
// layout the decoder consumes.
type wireBuilder struct {
	buf bytes.Buffer
}

func (w *wireBuilder) u8(v uint8) *wireBuilder {
	w.buf.WriteByte(v)
	return w
}

func (w *wireBuilder) u16(v uint16) *wireBuilder {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *wireBuilder) u32(v uint32) *wireBuilder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *wireBuilder) u64(v uint64) *wireBuilder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
	return w
}

func (w *wireBuilder) cstr(s string) *wireBuilder {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
	return w
}

func (w *wireBuilder) bytes(b []byte) *wireBuilder {
	w.buf.Write(b)
	return w
}

func (w *wireBuilder) build() []byte { return w.buf.Bytes() }

func TestDecodeBegin(t *testing.T) {
	data := (&wireBuilder{}).u8('B').u64(100).u64(1234567890).u32(42).build()
	ev, err := Decode(data)
	require.NoError(t, err)
	begin, ok := ev.(BeginEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(100), begin.FinalLSN)
	assert.Equal(t, int64(1234567890), begin.Timestamp)
	assert.Equal(t, uint32(42), begin.Xid)
}

func TestDecodeCommit(t *testing.T) {
	data := (&wireBuilder{}).u8('C').u8(0).u64(100).u64(200).u64(999).build()
	ev, err := Decode(data)
	require.NoError(t, err)
	commit, ok := ev.(CommitEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(100), commit.CommitLSN)
	assert.Equal(t, uint64(200), commit.EndLSN)
}

func TestDecodeOrigin(t *testing.T) {
	data := (&wireBuilder{}).u8('O').u64(55).cstr("my-origin").build()
	ev, err := Decode(data)
	require.NoError(t, err)
	origin, ok := ev.(OriginEvent)
	require.True(t, ok)
	assert.Equal(t, "my-origin", origin.Name)
	assert.Equal(t, uint64(55), origin.LSN)
}

func TestDecodeType(t *testing.T) {
	data := (&wireBuilder{}).u8('Y').u32(16384).cstr("public").cstr("my_enum").build()
	ev, err := Decode(data)
	require.NoError(t, err)
	typ, ok := ev.(TypeEvent)
	require.True(t, ok)
	assert.Equal(t, "public", typ.Namespace)
	assert.Equal(t, "my_enum", typ.Name)
}

func TestDecodeRelation(t *testing.T) {
	w := (&wireBuilder{}).u8('R').u32(16385).cstr("public").cstr("accounts").u8('d').u16(2)
	w.u8(1).cstr("id").u32(23).int32field(-1)
	w.u8(0).cstr("balance").u32(1700).int32field(-1)

	ev, err := Decode(w.build())
	require.NoError(t, err)
	rel, ok := ev.(RelationEvent)
	require.True(t, ok)
	assert.Equal(t, "public", rel.Relation.Namespace)
	assert.Equal(t, "accounts", rel.Relation.Name)
	assert.Equal(t, ReplicaIdentityDefault, rel.Relation.ReplicaIdentity)
	require.Len(t, rel.Relation.Columns, 2)
	assert.Equal(t, "id", rel.Relation.Columns[0].Name)
	assert.True(t, rel.Relation.Columns[0].IsKey)
	assert.Equal(t, "balance", rel.Relation.Columns[1].Name)
	assert.False(t, rel.Relation.Columns[1].IsKey)
}

func (w *wireBuilder) int32field(v int32) *wireBuilder {
	return w.u32(uint32(v))
}

func TestDecodeInsert(t *testing.T) {
	w := (&wireBuilder{}).u8('I').u32(16385).u8('N').u16(2)
	w.u8('t').u32(1).bytes([]byte("1"))
	w.u8('n')

	ev, err := Decode(w.build())
	require.NoError(t, err)
	ins, ok := ev.(InsertEvent)
	require.True(t, ok)
	require.Len(t, ins.New.Slots, 2)
	assert.Equal(t, SlotText, ins.New.Slots[0].Kind)
	assert.Equal(t, []byte("1"), ins.New.Slots[0].Data)
	assert.Equal(t, SlotNull, ins.New.Slots[1].Kind)
}

func TestDecodeUpdateWithKey(t *testing.T) {
	w := (&wireBuilder{}).u8('U').u32(16385)
	w.u8('K').u16(1).u8('t').u32(1).bytes([]byte("1"))
	w.u8('N').u16(1).u8('t').u32(3).bytes([]byte("200"))

	ev, err := Decode(w.build())
	require.NoError(t, err)
	upd, ok := ev.(UpdateEvent)
	require.True(t, ok)
	require.NotNil(t, upd.Key)
	assert.Nil(t, upd.Old)
	assert.Equal(t, []byte("200"), upd.New.Slots[0].Data)
}

func TestDecodeUpdateWithOldFull(t *testing.T) {
	w := (&wireBuilder{}).u8('U').u32(16385)
	w.u8('O').u16(1).u8('t').u32(3).bytes([]byte("100"))
	w.u8('N').u16(1).u8('t').u32(3).bytes([]byte("200"))

	ev, err := Decode(w.build())
	require.NoError(t, err)
	upd, ok := ev.(UpdateEvent)
	require.True(t, ok)
	assert.Nil(t, upd.Key)
	require.NotNil(t, upd.Old)
	assert.Equal(t, []byte("100"), upd.Old.Slots[0].Data)
}

func TestDecodeDeleteWithKey(t *testing.T) {
	w := (&wireBuilder{}).u8('D').u32(16385).u8('K').u16(1).u8('t').u32(1).bytes([]byte("7"))
	ev, err := Decode(w.build())
	require.NoError(t, err)
	del, ok := ev.(DeleteEvent)
	require.True(t, ok)
	require.NotNil(t, del.Key)
	assert.Equal(t, []byte("7"), del.Key.Slots[0].Data)
}

func TestDecodeTruncate(t *testing.T) {
	w := (&wireBuilder{}).u8('T').u32(2).u8(3).u32(16385).u32(16386)
	ev, err := Decode(w.build())
	require.NoError(t, err)
	trunc, ok := ev.(TruncateEvent)
	require.True(t, ok)
	assert.Equal(t, []uint32{16385, 16386}, trunc.RelationIDs)
	assert.True(t, trunc.Cascade)
	assert.True(t, trunc.RestartSeqs)
}

func TestDecodeMessage(t *testing.T) {
	content := []byte("payload")
	w := (&wireBuilder{}).u8('M').u8(1).u64(500).cstr("app-prefix").u32(uint32(len(content))).bytes(content)
	ev, err := Decode(w.build())
	require.NoError(t, err)
	msg, ok := ev.(MessageEvent)
	require.True(t, ok)
	assert.True(t, msg.Transactional)
	assert.Equal(t, "app-prefix", msg.Prefix)
	assert.Equal(t, content, msg.Content)
}

func TestDecodeEmptyMessage(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocol))
}

func TestDecodeUnknownMessageType(t *testing.T) {
	_, err := Decode([]byte{'Z'})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocol))
}

func TestDecodeTruncatedField(t *testing.T) {
	_, err := Decode([]byte{'B', 0, 0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocol))
}

func TestDecodeBinaryTupleUnsupported(t *testing.T) {
	w := (&wireBuilder{}).u8('I').u32(1).u8('N').u16(1).u8('b')
	_, err := Decode(w.build())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocol))
}

func TestDecodeUnterminatedString(t *testing.T) {
	data := []byte{'O', 0, 0, 0, 0, 0, 0, 0, 1, 'n', 'o', '-', 'n', 'u', 'l'}
	_, err := Decode(data)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocol))
}

func TestDecodeNonUTF8String(t *testing.T) {
	data := []byte{'O', 0, 0, 0, 0, 0, 0, 0, 1, 0xff, 0xfe, 0}
	_, err := Decode(data)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindProtocol))
}

func TestRowOp(t *testing.T) {
	op, ok := RowOp(InsertEvent{})
	assert.True(t, ok)
	assert.Equal(t, OpInsert, op)

	op, ok = RowOp(UpdateEvent{})
	assert.True(t, ok)
	assert.Equal(t, OpUpdate, op)

	op, ok = RowOp(DeleteEvent{})
	assert.True(t, ok)
	assert.Equal(t, OpDelete, op)

	_, ok = RowOp(BeginEvent{})
	assert.False(t, ok)
}
