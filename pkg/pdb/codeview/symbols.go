// Package codeview provides parsing for CodeView symbol and type records.
package codeview

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/jtang613/modsym/pkg/pdb/msf"
	"github.com/jtang613/modsym/pkg/pdb/streams"
)

// Symbol record kinds.
const (
	S_END            = 0x0006
	S_CONSTANT       = 0x1107
	S_UDT            = 0x1108
	S_LDATA32        = 0x110c
	S_GDATA32        = 0x110d
	S_PUB32          = 0x110e
	S_LPROC32        = 0x110f
	S_GPROC32        = 0x1110
	S_LTHREAD32      = 0x1112
	S_GTHREAD32      = 0x1113
	S_PROCREF        = 0x1125
	S_DATAREF        = 0x1126
	S_LPROCREF       = 0x1127
	S_LPROC32_ID     = 0x1146
	S_GPROC32_ID     = 0x1147
	S_LPROC32_DPC    = 0x1155
	S_LPROC32_DPC_ID = 0x1156
)

// cvSignatureC13 prefixes module symbol streams.
const cvSignatureC13 = 4

// Public symbol flags.
const (
	PubCode     = 0x1
	PubFunction = 0x2
	PubManaged  = 0x4
	PubMSIL     = 0x8
)

// SymbolRecord represents a raw CodeView symbol record.
type SymbolRecord struct {
	Offset uint32 // record offset within its stream
	Kind   uint16
	Data   []byte // payload after the length and kind prefix
}

// ProcSym represents a procedure symbol (S_GPROC32, S_LPROC32 and friends).
type ProcSym struct {
	Parent    uint32
	End       uint32
	Next      uint32
	Length    uint32
	DbgStart  uint32
	DbgEnd    uint32
	TypeIndex uint32
	Offset    uint32
	Segment   uint16
	Flags     uint8
	Name      string `struc:"skip"`
}

// DataSym represents a data symbol (S_GDATA32, S_LDATA32, thread locals).
type DataSym struct {
	TypeIndex uint32
	Offset    uint32
	Segment   uint16
	Name      string `struc:"skip"`
}

// PubSym represents a public symbol (S_PUB32).
type PubSym struct {
	Flags   uint32
	Offset  uint32
	Segment uint16
	Name    string `struc:"skip"`
}

// IsFunction reports whether the public names code.
func (p *PubSym) IsFunction() bool {
	return p.Flags&(PubCode|PubFunction) != 0
}

// WalkSymbols calls fn for each record in a symbol stream. A leading C13
// signature is skipped when present. fn returning an error stops the walk.
func WalkSymbols(data []byte, withSignature bool, fn func(SymbolRecord) error) error {
	off := 0
	if withSignature {
		if len(data) < 4 || binary.LittleEndian.Uint32(data) != cvSignatureC13 {
			return fmt.Errorf("missing C13 symbol signature: %w", msf.ErrInvalidFile)
		}
		off = 4
	}
	for off+4 <= len(data) {
		size := int(binary.LittleEndian.Uint16(data[off:]))
		if size < 2 || off+2+size > len(data) {
			return fmt.Errorf("symbol record at %#x truncated: %w", off, msf.ErrInvalidFile)
		}
		rec := SymbolRecord{
			Offset: uint32(off),
			Kind:   binary.LittleEndian.Uint16(data[off+2:]),
			Data:   data[off+4 : off+2+size],
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += 2 + size
	}
	return nil
}

// ParseProcSym parses a procedure symbol record.
func ParseProcSym(data []byte) (*ProcSym, error) {
	var p ProcSym
	name, err := unpackNamed(data, &p, 35)
	if err != nil {
		return nil, fmt.Errorf("proc symbol: %w", err)
	}
	p.Name = name
	return &p, nil
}

// ParseDataSym parses a data symbol record.
func ParseDataSym(data []byte) (*DataSym, error) {
	var d DataSym
	name, err := unpackNamed(data, &d, 10)
	if err != nil {
		return nil, fmt.Errorf("data symbol: %w", err)
	}
	d.Name = name
	return &d, nil
}

// ParsePubSym parses a public symbol record.
func ParsePubSym(data []byte) (*PubSym, error) {
	var p PubSym
	name, err := unpackNamed(data, &p, 10)
	if err != nil {
		return nil, fmt.Errorf("public symbol: %w", err)
	}
	p.Name = name
	return &p, nil
}

// unpackNamed decodes the fixed prefix of a record into v and returns the
// null-terminated name that follows it.
func unpackNamed(data []byte, v interface{}, fixed int) (string, error) {
	if len(data) < fixed {
		return "", fmt.Errorf("record too small: %d bytes: %w", len(data), msf.ErrInvalidFile)
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(data[:fixed]), v, binary.LittleEndian); err != nil {
		return "", err
	}
	name, _ := streams.ParseString(data[fixed:])
	return name, nil
}

// IsProcSymbol returns true if the kind is a procedure symbol.
func IsProcSymbol(kind uint16) bool {
	switch kind {
	case S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID, S_LPROC32_DPC, S_LPROC32_DPC_ID:
		return true
	}
	return false
}

// IsDataSymbol returns true if the kind is a data symbol.
func IsDataSymbol(kind uint16) bool {
	switch kind {
	case S_GDATA32, S_LDATA32, S_GTHREAD32, S_LTHREAD32:
		return true
	}
	return false
}
