package codeview

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/modsym/pkg/pdb/msf"
	"github.com/jtang613/modsym/pkg/pdb/streams"
)

func le(vals ...interface{}) []byte {
	var b bytes.Buffer
	for _, v := range vals {
		if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
			panic(err)
		}
	}
	return b.Bytes()
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func symRecord(kind uint16, payload []byte) []byte {
	return append(le(uint16(2+len(payload)), kind), payload...)
}

func TestWalkSymbols(t *testing.T) {
	pub := symRecord(S_PUB32, append(le(uint32(PubFunction), uint32(0x10), uint16(1)), cstr("KiSystemCall64")...))
	data := symRecord(S_GDATA32, append(le(uint32(0x74), uint32(0x20), uint16(2)), cstr("PsActiveProcessHead")...))
	stream := append(pub, data...)

	var kinds []uint16
	var offsets []uint32
	err := WalkSymbols(stream, false, func(rec SymbolRecord) error {
		kinds = append(kinds, rec.Kind)
		offsets = append(offsets, rec.Offset)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint16{S_PUB32, S_GDATA32}, kinds)
	assert.Equal(t, []uint32{0, uint32(len(pub))}, offsets)

	p, err := ParsePubSym(pub[4:])
	require.NoError(t, err)
	assert.Equal(t, "KiSystemCall64", p.Name)
	assert.Equal(t, uint32(0x10), p.Offset)
	assert.Equal(t, uint16(1), p.Segment)
	assert.True(t, p.IsFunction())

	d, err := ParseDataSym(data[4:])
	require.NoError(t, err)
	assert.Equal(t, DataSym{TypeIndex: 0x74, Offset: 0x20, Segment: 2, Name: "PsActiveProcessHead"}, *d)
}

func TestWalkSymbolsSignature(t *testing.T) {
	end := symRecord(S_END, nil)

	n := 0
	err := WalkSymbols(append(le(uint32(cvSignatureC13)), end...), true, func(rec SymbolRecord) error {
		assert.Equal(t, uint32(4), rec.Offset)
		assert.Equal(t, uint16(S_END), rec.Kind)
		assert.Empty(t, rec.Data)
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = WalkSymbols(end, true, func(SymbolRecord) error { return nil })
	assert.ErrorIs(t, err, msf.ErrInvalidFile)
}

func TestWalkSymbolsErrors(t *testing.T) {
	truncated := symRecord(S_END, nil)
	binary.LittleEndian.PutUint16(truncated, 0x20)
	err := WalkSymbols(truncated, false, func(SymbolRecord) error { return nil })
	assert.ErrorIs(t, err, msf.ErrInvalidFile)

	stop := errors.New("stop")
	stream := append(symRecord(S_END, nil), symRecord(S_END, nil)...)
	calls := 0
	err = WalkSymbols(stream, false, func(SymbolRecord) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestParseProcSym(t *testing.T) {
	payload := le(uint32(0), uint32(0), uint32(0), uint32(0x30), uint32(4), uint32(0x2c),
		uint32(0x1010), uint32(0x40), uint16(1), uint8(0))
	require.Len(t, payload, 35)

	p, err := ParseProcSym(append(payload, cstr("NtClose")...))
	require.NoError(t, err)
	assert.Equal(t, "NtClose", p.Name)
	assert.Equal(t, uint32(0x30), p.Length)
	assert.Equal(t, uint32(0x40), p.Offset)
	assert.Equal(t, uint16(1), p.Segment)

	_, err = ParseProcSym(payload[:20])
	assert.ErrorIs(t, err, msf.ErrInvalidFile)
}

func TestSymbolKinds(t *testing.T) {
	for _, k := range []uint16{S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID} {
		assert.True(t, IsProcSymbol(k), "%#x", k)
		assert.False(t, IsDataSymbol(k), "%#x", k)
	}
	for _, k := range []uint16{S_GDATA32, S_LDATA32, S_GTHREAD32, S_LTHREAD32} {
		assert.True(t, IsDataSymbol(k), "%#x", k)
	}
	assert.False(t, IsProcSymbol(S_PUB32))
	assert.False(t, IsDataSymbol(S_UDT))
}

func typeRecord(kind uint16, payload []byte) []byte {
	return append(le(uint16(2+len(payload)), kind), payload...)
}

func tpiStream(records ...[]byte) *streams.TPIStream {
	body := bytes.Join(records, nil)
	hdr := streams.TPIHeader{
		Version:         streams.TPIStreamVersionV80,
		HeaderSize:      56,
		TypeIndexBegin:  streams.TypeIndexBegin,
		TypeIndexEnd:    streams.TypeIndexBegin + uint32(len(records)),
		TypeRecordBytes: uint32(len(body)),
	}
	tpi, err := streams.ReadTPIStream(append(le(hdr), body...))
	if err != nil {
		panic(err)
	}
	return tpi
}

func member(offset []byte, name string) []byte {
	return append(append(le(uint16(streams.LF_MEMBER), uint16(3), uint32(0x74)), offset...), cstr(name)...)
}

func structure(kind uint16, prop uint16, fieldList uint32, size []byte, name string) []byte {
	fixed := le(uint16(3), prop, fieldList)
	if kind != streams.LF_UNION {
		fixed = append(fixed, le(uint32(0), uint32(0))...)
	}
	return typeRecord(kind, append(append(fixed, size...), cstr(name)...))
}

func TestParseStructure(t *testing.T) {
	tpi := tpiStream(
		structure(streams.LF_STRUCTURE, PropFwdRef, 0, le(uint16(0)), "_EPROCESS"),
		structure(streams.LF_CLASS, 0, 0x1005, le(uint16(streams.LF_ULONG), uint32(0x12345)), "CBig"),
		structure(streams.LF_UNION, 0, 0x1005, le(uint16(8)), "_LARGE_INTEGER"),
	)

	fwd, err := ParseStructure(tpi.GetType(0x1000))
	require.NoError(t, err)
	assert.True(t, fwd.IsForwardRef())
	assert.Equal(t, "_EPROCESS", fwd.Name)

	big, err := ParseStructure(tpi.GetType(0x1001))
	require.NoError(t, err)
	assert.False(t, big.IsForwardRef())
	assert.Equal(t, uint64(0x12345), big.Size)
	assert.Equal(t, uint32(0x1005), big.FieldList)
	assert.Equal(t, "CBig", big.Name)

	u, err := ParseStructure(tpi.GetType(0x1002))
	require.NoError(t, err)
	assert.True(t, u.IsUnion())
	assert.Equal(t, uint64(8), u.Size)
	assert.Equal(t, "_LARGE_INTEGER", u.Name)

	_, err = ParseStructure(nil)
	assert.Error(t, err)
}

func TestFieldList(t *testing.T) {
	first := bytes.Join([][]byte{
		member(le(uint16(0)), "Pcb"),
		{0xf2, 0xf1},
		le(uint16(streams.LF_STMEMBER), uint16(3), uint32(0x74)), cstr("Count"),
		le(uint16(streams.LF_BCLASS), uint16(3), uint32(0x1003), uint16(0)),
		le(uint16(streams.LF_ONEMETHOD), uint16(4<<2), uint32(0x1004), uint32(8)), cstr("Virtual"),
		le(uint16(streams.LF_NESTTYPE), uint16(0), uint32(0x1003)), cstr("Nested"),
		le(uint16(streams.LF_INDEX), uint16(0), uint32(0x1001)),
	}, nil)
	second := bytes.Join([][]byte{
		member(le(uint16(0x440)), "UniqueProcessId"),
		{0xf1},
		member(le(uint16(streams.LF_ULONG), uint32(0x10000)), "Far"),
	}, nil)

	tpi := tpiStream(
		typeRecord(streams.LF_FIELDLIST, first),
		typeRecord(streams.LF_FIELDLIST, second),
	)

	members, err := FieldList(tpi, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, []Member{
		{Name: "Pcb", TypeIdx: 0x74, Offset: 0},
		{Name: "Count", TypeIdx: 0x74, Static: true},
		{Name: "UniqueProcessId", TypeIdx: 0x74, Offset: 0x440},
		{Name: "Far", TypeIdx: 0x74, Offset: 0x10000},
	}, members)
}

func TestFieldListErrors(t *testing.T) {
	loop := typeRecord(streams.LF_FIELDLIST, le(uint16(streams.LF_INDEX), uint16(0), uint32(0x1000)))
	unknown := typeRecord(streams.LF_FIELDLIST, le(uint16(0x1234), uint32(0)))
	truncated := typeRecord(streams.LF_FIELDLIST, le(uint16(streams.LF_MEMBER), uint16(3)))
	tpi := tpiStream(loop, unknown, truncated, typeRecord(streams.LF_POINTER, le(uint32(0x74), uint32(0))))

	for _, idx := range []uint32{0x1000, 0x1001, 0x1002, 0x1003, 0x2000} {
		_, err := FieldList(tpi, idx)
		assert.ErrorIs(t, err, msf.ErrInvalidFile, "%#x", idx)
	}
}
