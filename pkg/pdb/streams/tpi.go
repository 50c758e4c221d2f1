package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/jtang613/modsym/pkg/pdb/msf"
)

// TPI Stream versions
const (
	TPIStreamVersion40  = 19950410
	TPIStreamVersion41  = 19951122
	TPIStreamVersion50  = 19961031
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

// TypeIndexBegin is the first non-builtin type index.
const TypeIndexBegin = 0x1000

// Type record leaf kinds.
const (
	LF_MODIFIER  = 0x1001
	LF_POINTER   = 0x1002
	LF_ARRAY     = 0x1503
	LF_CLASS     = 0x1504
	LF_STRUCTURE = 0x1505
	LF_UNION     = 0x1506
	LF_ENUM      = 0x1507
	LF_FIELDLIST = 0x1203
	LF_BITFIELD  = 0x1205

	LF_BCLASS     = 0x1400
	LF_VBCLASS    = 0x1401
	LF_IVBCLASS   = 0x1402
	LF_INDEX      = 0x1404
	LF_VFUNCTAB   = 0x1409
	LF_FRIENDCLS  = 0x140a
	LF_VFUNCOFF   = 0x140c
	LF_ENUMERATE  = 0x1502
	LF_FRIENDFCN  = 0x150c
	LF_MEMBER     = 0x150d
	LF_STMEMBER   = 0x150e
	LF_METHOD     = 0x150f
	LF_NESTTYPE   = 0x1510
	LF_ONEMETHOD  = 0x1511
	LF_NESTTYPEEX = 0x1512
)

// Numeric leaf prefixes.
const (
	LF_NUMERIC   = 0x8000
	LF_CHAR      = 0x8000
	LF_SHORT     = 0x8001
	LF_USHORT    = 0x8002
	LF_LONG      = 0x8003
	LF_ULONG     = 0x8004
	LF_QUADWORD  = 0x8009
	LF_UQUADWORD = 0x800a
)

// TPIHeader is the header of the TPI stream.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// TypeRecord is a single type record. Data excludes the length and kind prefix.
type TypeRecord struct {
	Index uint32
	Kind  uint16
	Data  []byte
}

// TPIStream represents the parsed TPI (Type Info) stream.
type TPIStream struct {
	Header  TPIHeader
	records []TypeRecord
}

// ReadTPIStream parses the TPI stream from raw bytes.
func ReadTPIStream(data []byte) (*TPIStream, error) {
	r := bytes.NewReader(data)

	tpi := &TPIStream{}
	if err := struc.UnpackWithOrder(r, &tpi.Header, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read TPI header: %v: %w", err, msf.ErrInvalidFile)
	}
	h := &tpi.Header
	if h.Version != TPIStreamVersionV80 && h.Version != TPIStreamVersionV70 {
		return nil, fmt.Errorf("TPI version %d: %w", h.Version, msf.ErrUnsupportedVersion)
	}
	if h.TypeIndexEnd < h.TypeIndexBegin || uint64(h.HeaderSize)+uint64(h.TypeRecordBytes) > uint64(len(data)) {
		return nil, fmt.Errorf("TPI header out of bounds: %w", msf.ErrInvalidFile)
	}

	recs := data[h.HeaderSize : h.HeaderSize+h.TypeRecordBytes]
	tpi.records = make([]TypeRecord, 0, h.TypeIndexEnd-h.TypeIndexBegin)
	for idx := h.TypeIndexBegin; idx < h.TypeIndexEnd && len(recs) >= 4; idx++ {
		size := int(binary.LittleEndian.Uint16(recs))
		if size < 2 || 2+size > len(recs) {
			return nil, fmt.Errorf("type record %#x truncated: %w", idx, msf.ErrInvalidFile)
		}
		tpi.records = append(tpi.records, TypeRecord{
			Index: idx,
			Kind:  binary.LittleEndian.Uint16(recs[2:]),
			Data:  recs[4 : 2+size],
		})
		recs = recs[2+size:]
	}
	return tpi, nil
}

// GetType returns the type record for the given type index, or nil.
func (t *TPIStream) GetType(index uint32) *TypeRecord {
	if index < t.Header.TypeIndexBegin {
		return nil
	}
	i := index - t.Header.TypeIndexBegin
	if i >= uint32(len(t.records)) {
		return nil
	}
	return &t.records[i]
}

// Records returns all type records in index order.
func (t *TPIStream) Records() []TypeRecord {
	return t.records
}

// NumTypes returns the number of type records.
func (t *TPIStream) NumTypes() int {
	return len(t.records)
}

var numericWidths = map[uint16]int{
	LF_CHAR:      1,
	LF_SHORT:     2,
	LF_USHORT:    2,
	LF_LONG:      4,
	LF_ULONG:     4,
	LF_QUADWORD:  8,
	LF_UQUADWORD: 8,
}

// ParseNumeric parses a numeric leaf and returns the value and the number of
// bytes consumed. Zero bytes consumed means the leaf is malformed or of an
// unsupported kind. Signed leaves are sign-extended.
func ParseNumeric(data []byte) (uint64, int) {
	if len(data) < 2 {
		return 0, 0
	}
	leaf := binary.LittleEndian.Uint16(data)
	if leaf < LF_NUMERIC {
		return uint64(leaf), 2
	}
	width, ok := numericWidths[leaf]
	if !ok || len(data) < 2+width {
		return 0, 0
	}
	v := data[2 : 2+width]
	switch leaf {
	case LF_CHAR:
		return uint64(int8(v[0])), 3
	case LF_SHORT:
		return uint64(int16(binary.LittleEndian.Uint16(v))), 4
	case LF_USHORT:
		return uint64(binary.LittleEndian.Uint16(v)), 4
	case LF_LONG:
		return uint64(int32(binary.LittleEndian.Uint32(v))), 6
	case LF_ULONG:
		return uint64(binary.LittleEndian.Uint32(v)), 6
	default:
		return binary.LittleEndian.Uint64(v), 10
	}
}

// ParseString parses a null-terminated string and returns it with the number
// of bytes consumed, including the terminator.
func ParseString(data []byte) (string, int) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data), len(data)
	}
	return string(data[:idx]), idx + 1
}
