package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"
	"golang.org/x/exp/constraints"

	"github.com/jtang613/modsym/pkg/pdb/msf"
)

// DBI Stream versions
const (
	DBIStreamVersionVC41 = 930803
	DBIStreamVersionV50  = 19960307
	DBIStreamVersionV60  = 19970606
	DBIStreamVersionV70  = 19990903
	DBIStreamVersionV110 = 20091201
)

// Machine types
const (
	MachineI386  = 0x014c
	MachineAMD64 = 0x8664
	MachineARM   = 0x01c0
	MachineARM64 = 0xAA64
)

// Optional debug header slots.
const (
	DbgHeaderFPO = iota
	DbgHeaderException
	DbgHeaderFixup
	DbgHeaderOmapToSrc
	DbgHeaderOmapFromSrc
	DbgHeaderSectionHdr
	DbgHeaderTokenRIDMap
	DbgHeaderXdata
	DbgHeaderPdata
	DbgHeaderNewFPO
	DbgHeaderSectionHdrOrig
)

// NoStream marks an absent stream index.
const NoStream = 0xFFFF

const (
	dbiHeaderSize        = 64
	moduleInfoHeaderSize = 64
	sectionHeaderSize    = 40
)

// DBIHeader is the fixed header of the DBI stream.
type DBIHeader struct {
	VersionSignature        int32 // always -1
	VersionHeader           uint32
	Age                     uint32
	GlobalStreamIndex       uint16
	BuildNumber             uint16
	PublicStreamIndex       uint16
	PdbDllVersion           uint16
	SymRecordStream         uint16
	PdbDllRbld              uint16
	ModInfoSize             int32
	SectionContributionSize int32
	SectionMapSize          int32
	SourceInfoSize          int32
	TypeServerMapSize       int32
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32
	ECSubstreamSize         int32
	Flags                   uint16
	Machine                 uint16
	Padding                 uint32
}

// DBIStream represents the parsed DBI stream.
type DBIStream struct {
	Header  DBIHeader
	Modules []ModuleInfo
	// DbgStreams holds the optional debug header, indexed by the DbgHeader* slots.
	DbgStreams []uint16
}

type moduleInfoHeader struct {
	Unused1              uint32
	Contrib              [28]byte
	Flags                uint16
	ModuleSymStream      uint16
	SymByteSize          uint32
	C11ByteSize          uint32
	C13ByteSize          uint32
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
}

// ModuleInfo describes one compiled module (object file).
type ModuleInfo struct {
	ModuleSymStream uint16
	SymByteSize     uint32
	ModuleName      string
	ObjFileName     string
}

// HasSymbols reports whether the module carries its own symbol stream.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != NoStream && m.SymByteSize > 0
}

// SectionHeader is an IMAGE_SECTION_HEADER as stored in the section header
// debug stream.
type SectionHeader struct {
	RawName              [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// Name returns the section name without padding.
func (s *SectionHeader) Name() string {
	return cString(s.RawName[:])
}

// ReadDBIStream parses the DBI stream header, module list and optional debug
// header.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, fmt.Errorf("DBI stream too small: %d bytes: %w", len(data), msf.ErrInvalidFile)
	}

	dbi := &DBIStream{}
	if err := struc.UnpackWithOrder(bytes.NewReader(data), &dbi.Header, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read DBI header: %v: %w", err, msf.ErrInvalidFile)
	}
	h := &dbi.Header
	if h.VersionSignature != -1 {
		return nil, fmt.Errorf("invalid DBI version signature %d: %w", h.VersionSignature, msf.ErrInvalidFile)
	}

	sizes := []int32{
		h.ModInfoSize, h.SectionContributionSize, h.SectionMapSize, h.SourceInfoSize,
		h.TypeServerMapSize, h.ECSubstreamSize, h.OptionalDbgHeaderSize,
	}
	subs := make([][]byte, len(sizes))
	off := int64(dbiHeaderSize)
	for i, size := range sizes {
		end := off + int64(size)
		if size < 0 || end > int64(len(data)) {
			return nil, fmt.Errorf("DBI substream %d overruns stream: %w", i, msf.ErrInvalidFile)
		}
		subs[i] = data[off:end]
		off = end
	}

	modules, err := parseModuleInfo(subs[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse module info: %w", err)
	}
	dbi.Modules = modules

	dbg := subs[len(subs)-1]
	dbi.DbgStreams = make([]uint16, len(dbg)/2)
	for i := range dbi.DbgStreams {
		dbi.DbgStreams[i] = binary.LittleEndian.Uint16(dbg[i*2:])
	}
	return dbi, nil
}

// DbgStream returns the stream index stored in an optional debug header slot.
func (d *DBIStream) DbgStream(slot int) (uint16, bool) {
	if slot < 0 || slot >= len(d.DbgStreams) || d.DbgStreams[slot] == NoStream {
		return 0, false
	}
	return d.DbgStreams[slot], true
}

func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	r := bytes.NewReader(data)
	for r.Len() >= moduleInfoHeaderSize {
		var hdr moduleInfoHeader
		if err := struc.UnpackWithOrder(r, &hdr, binary.LittleEndian); err != nil {
			return nil, err
		}
		off := len(data) - r.Len()
		name, n1 := splitCString(data[off:])
		obj, n2 := splitCString(data[off+n1:])
		if n1 == 0 || n2 == 0 {
			return nil, fmt.Errorf("unterminated module name at %#x: %w", off, msf.ErrInvalidFile)
		}
		next := alignTo(off+n1+n2, 4)
		if next > len(data) {
			next = len(data)
		}
		r.Reset(data[next:])
		data = data[next:]

		modules = append(modules, ModuleInfo{
			ModuleSymStream: hdr.ModuleSymStream,
			SymByteSize:     hdr.SymByteSize,
			ModuleName:      name,
			ObjFileName:     obj,
		})
	}
	return modules, nil
}

// ReadSectionHeaders decodes the section header debug stream.
func ReadSectionHeaders(data []byte) ([]SectionHeader, error) {
	if len(data)%sectionHeaderSize != 0 {
		return nil, fmt.Errorf("section header stream size %d not a multiple of %d: %w",
			len(data), sectionHeaderSize, msf.ErrInvalidFile)
	}
	sections := make([]SectionHeader, len(data)/sectionHeaderSize)
	r := bytes.NewReader(data)
	for i := range sections {
		if err := struc.UnpackWithOrder(r, &sections[i], binary.LittleEndian); err != nil {
			return nil, fmt.Errorf("failed to read section header %d: %w", i, err)
		}
	}
	return sections, nil
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}

// splitCString returns the string before the first NUL and the number of bytes
// consumed including the terminator, or 0 if there is no terminator.
func splitCString(data []byte) (string, int) {
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", 0
	}
	return string(data[:idx]), idx + 1
}

func alignTo[I constraints.Integer](v, align I) I {
	return (v + align - 1) &^ (align - 1)
}
