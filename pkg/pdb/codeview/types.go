package codeview

import (
	"encoding/binary"
	"fmt"

	"github.com/jtang613/modsym/pkg/pdb/msf"
	"github.com/jtang613/modsym/pkg/pdb/streams"
)

// PropFwdRef marks a structure record that only declares the type.
const PropFwdRef = 0x0080

// maxFieldListChain bounds LF_INDEX continuation chains.
const maxFieldListChain = 1024

// Structure is a decoded LF_CLASS, LF_STRUCTURE or LF_UNION record.
type Structure struct {
	Index     uint32
	Kind      uint16
	Property  uint16
	FieldList uint32
	Size      uint64
	Name      string
}

// IsForwardRef reports whether the record only declares the type.
func (s *Structure) IsForwardRef() bool {
	return s.Property&PropFwdRef != 0
}

// IsUnion reports whether the record is a union.
func (s *Structure) IsUnion() bool {
	return s.Kind == streams.LF_UNION
}

// Member is one data member of a field list. Static members have no offset.
type Member struct {
	Name    string
	TypeIdx uint32
	Offset  uint64
	Static  bool
}

// IsStructureKind reports whether kind is a struct, class or union leaf.
func IsStructureKind(kind uint16) bool {
	switch kind {
	case streams.LF_CLASS, streams.LF_STRUCTURE, streams.LF_UNION:
		return true
	}
	return false
}

// ParseStructure decodes a class, structure or union record.
func ParseStructure(rec *streams.TypeRecord) (*Structure, error) {
	if rec == nil || !IsStructureKind(rec.Kind) {
		return nil, fmt.Errorf("not a structure record")
	}
	data := rec.Data

	// Unions lack the derived and vshape indices.
	fixed := 16
	if rec.Kind == streams.LF_UNION {
		fixed = 8
	}
	if len(data) < fixed+2 {
		return nil, fmt.Errorf("structure record %#x truncated: %w", rec.Index, msf.ErrInvalidFile)
	}

	s := &Structure{
		Index:     rec.Index,
		Kind:      rec.Kind,
		Property:  binary.LittleEndian.Uint16(data[2:]),
		FieldList: binary.LittleEndian.Uint32(data[4:]),
	}
	size, n := streams.ParseNumeric(data[fixed:])
	if n == 0 {
		return nil, fmt.Errorf("structure record %#x has a bad size leaf: %w", rec.Index, msf.ErrInvalidFile)
	}
	s.Size = size
	s.Name, _ = streams.ParseString(data[fixed+n:])
	return s, nil
}

// FieldList decodes the data members of the field list at index idx,
// following LF_INDEX continuations. Methods, nested types, base classes and
// other non-data leaves are skipped.
func FieldList(tpi *streams.TPIStream, idx uint32) ([]Member, error) {
	var members []Member
	for hops := 0; idx != 0; hops++ {
		if hops >= maxFieldListChain {
			return nil, fmt.Errorf("field list chain too long: %w", msf.ErrInvalidFile)
		}
		rec := tpi.GetType(idx)
		if rec == nil || rec.Kind != streams.LF_FIELDLIST {
			return nil, fmt.Errorf("type %#x is not a field list: %w", idx, msf.ErrInvalidFile)
		}
		var err error
		members, idx, err = parseFieldList(rec.Data, members)
		if err != nil {
			return nil, fmt.Errorf("field list %#x: %w", rec.Index, err)
		}
	}
	return members, nil
}

// parseFieldList appends the members of one field list record and returns the
// continuation index, or zero.
func parseFieldList(data []byte, members []Member) ([]Member, uint32, error) {
	var next uint32
	fl := fieldReader{data: data}
	for fl.skipPadding() {
		leaf := fl.u16()
		switch leaf {
		case streams.LF_MEMBER:
			fl.u16() // attributes
			typ := fl.u32()
			off := fl.numeric()
			name := fl.str()
			members = append(members, Member{Name: name, TypeIdx: typ, Offset: off})
		case streams.LF_STMEMBER:
			fl.u16()
			typ := fl.u32()
			name := fl.str()
			members = append(members, Member{Name: name, TypeIdx: typ, Static: true})
		case streams.LF_BCLASS:
			fl.u16()
			fl.u32()
			fl.numeric()
		case streams.LF_VBCLASS, streams.LF_IVBCLASS:
			fl.u16()
			fl.u32()
			fl.u32()
			fl.numeric()
			fl.numeric()
		case streams.LF_ENUMERATE:
			fl.u16()
			fl.numeric()
			fl.str()
		case streams.LF_METHOD, streams.LF_NESTTYPE, streams.LF_NESTTYPEEX:
			fl.u16()
			fl.u32()
			fl.str()
		case streams.LF_ONEMETHOD:
			attr := fl.u16()
			fl.u32()
			if mprop := (attr >> 2) & 7; mprop == 4 || mprop == 6 {
				fl.u32() // vbaseoff for introducing virtuals
			}
			fl.str()
		case streams.LF_VFUNCTAB, streams.LF_FRIENDCLS:
			fl.u16()
			fl.u32()
		case streams.LF_VFUNCOFF:
			fl.u16()
			fl.u32()
			fl.u32()
		case streams.LF_FRIENDFCN:
			fl.u16()
			fl.u32()
			fl.str()
		case streams.LF_INDEX:
			fl.u16()
			next = fl.u32()
		default:
			return nil, 0, fmt.Errorf("unknown field leaf %#x at %#x: %w", leaf, fl.off-2, msf.ErrInvalidFile)
		}
		if fl.err != nil {
			return nil, 0, fl.err
		}
	}
	return members, next, nil
}

// fieldReader walks a field list. The first out-of-bounds read sets err and
// all later reads return zero values.
type fieldReader struct {
	data []byte
	off  int
	err  error
}

func (f *fieldReader) need(n int) bool {
	if f.err != nil {
		return false
	}
	if f.off+n > len(f.data) {
		f.err = fmt.Errorf("field list truncated at %#x: %w", f.off, msf.ErrInvalidFile)
		return false
	}
	return true
}

// skipPadding steps over LF_PAD bytes and reports whether a leaf follows.
func (f *fieldReader) skipPadding() bool {
	for f.err == nil && f.off < len(f.data) && f.data[f.off] >= 0xF0 {
		n := int(f.data[f.off] & 0x0F)
		if n == 0 {
			n = 1
		}
		f.off += n
	}
	return f.err == nil && f.off < len(f.data)
}

func (f *fieldReader) u16() uint16 {
	if !f.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(f.data[f.off:])
	f.off += 2
	return v
}

func (f *fieldReader) u32() uint32 {
	if !f.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(f.data[f.off:])
	f.off += 4
	return v
}

func (f *fieldReader) numeric() uint64 {
	if f.err != nil {
		return 0
	}
	v, n := streams.ParseNumeric(f.data[f.off:])
	if n == 0 {
		f.err = fmt.Errorf("bad numeric leaf at %#x: %w", f.off, msf.ErrInvalidFile)
		return 0
	}
	f.off += n
	return v
}

func (f *fieldReader) str() string {
	if f.err != nil {
		return ""
	}
	s, n := streams.ParseString(f.data[f.off:])
	f.off += n
	return s
}
