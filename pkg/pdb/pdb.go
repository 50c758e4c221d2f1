package pdb

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/jtang613/modsym/pkg/pdb/codeview"
	"github.com/jtang613/modsym/pkg/pdb/msf"
	"github.com/jtang613/modsym/pkg/pdb/streams"
)

// Stream indices
const (
	StreamPDB = 1 // PDB info stream
	StreamTPI = 2 // Type info stream
	StreamDBI = 3 // Debug info stream
)

var (
	// ErrInvalidFile is returned for files that are not well-formed PDBs.
	ErrInvalidFile = msf.ErrInvalidFile
	// ErrUnsupportedVersion is returned for PDB formats older than 7.00.
	ErrUnsupportedVersion = msf.ErrUnsupportedVersion
	// ErrNotFound is returned when a named type does not exist.
	ErrNotFound = errors.New("not found")
)

// PDB represents an opened PDB file. All methods are safe for concurrent use.
type PDB struct {
	msf      *msf.MSF
	pdbInfo  *streams.PDBInfo
	tpi      *streams.TPIStream
	dbi      *streams.DBIStream
	sections []streams.SectionHeader
	structs  map[string]*codeview.Structure

	symOnce   sync.Once
	symErr    error
	functions []Function
	variables []Variable
	publics   []PublicSymbol
}

// Open opens a PDB file and parses its core structures.
func Open(path string) (*PDB, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSF: %w", err)
	}
	p, err := load(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return p, nil
}

// New parses a PDB held in r. Close does not release r.
func New(r io.ReaderAt) (*PDB, error) {
	m, err := msf.New(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MSF: %w", err)
	}
	return load(m)
}

func load(m *msf.MSF) (*PDB, error) {
	if m.NumStreams() <= StreamDBI {
		return nil, fmt.Errorf("only %d streams: %w", m.NumStreams(), ErrInvalidFile)
	}
	p := &PDB{msf: m}

	reader, err := m.StreamReader(StreamPDB)
	if err != nil {
		return nil, err
	}
	if p.pdbInfo, err = streams.ReadPDBInfo(reader); err != nil {
		return nil, fmt.Errorf("failed to read PDB info stream: %w", err)
	}

	data, err := m.ReadStream(StreamTPI)
	if err != nil {
		return nil, fmt.Errorf("failed to read TPI stream: %w", err)
	}
	if p.tpi, err = streams.ReadTPIStream(data); err != nil {
		return nil, fmt.Errorf("failed to parse TPI stream: %w", err)
	}

	data, err = m.ReadStream(StreamDBI)
	if err != nil {
		return nil, fmt.Errorf("failed to read DBI stream: %w", err)
	}
	if p.dbi, err = streams.ReadDBIStream(data); err != nil {
		return nil, fmt.Errorf("failed to parse DBI stream: %w", err)
	}

	if idx, ok := p.dbi.DbgStream(streams.DbgHeaderSectionHdr); ok {
		data, err := m.ReadStream(int(idx))
		if err != nil {
			return nil, fmt.Errorf("failed to read section headers: %w", err)
		}
		if p.sections, err = streams.ReadSectionHeaders(data); err != nil {
			return nil, err
		}
	}

	if err := p.indexStructs(); err != nil {
		return nil, err
	}
	return p, nil
}

// indexStructs maps names of complete class and structure definitions to
// their records. The first definition of a name wins.
func (p *PDB) indexStructs() error {
	p.structs = make(map[string]*codeview.Structure)
	for i := range p.tpi.Records() {
		rec := &p.tpi.Records()[i]
		if !codeview.IsStructureKind(rec.Kind) {
			continue
		}
		s, err := codeview.ParseStructure(rec)
		if err != nil {
			return fmt.Errorf("failed to parse type %#x: %w", rec.Index, err)
		}
		if s.IsForwardRef() || s.IsUnion() || s.Name == "" {
			continue
		}
		if _, ok := p.structs[s.Name]; !ok {
			p.structs[s.Name] = s
		}
	}
	return nil
}

// Close closes the PDB file.
func (p *PDB) Close() error {
	if p.msf != nil {
		return p.msf.Close()
	}
	return nil
}

// Info returns basic PDB file information.
func (p *PDB) Info() *Info {
	return &Info{
		GUID:         p.pdbInfo.GUIDString(),
		Age:          p.pdbInfo.Age,
		Identifier:   p.pdbInfo.Identifier(),
		Version:      p.pdbInfo.Version,
		Machine:      streams.MachineTypeName(p.dbi.Header.Machine),
		Streams:      p.msf.NumStreams(),
		Types:        p.tpi.NumTypes(),
		Sections:     len(p.sections),
		NamedStreams: p.pdbInfo.NamedStreams,
	}
}

// Identifier returns the GUID and age string that keys this PDB in a symbol
// store.
func (p *PDB) Identifier() string {
	return p.pdbInfo.Identifier()
}

// Sections returns the image sections in segment order.
func (p *PDB) Sections() []Section {
	out := make([]Section, len(p.sections))
	for i := range p.sections {
		out[i] = Section{
			Index:          uint16(i + 1),
			Name:           p.sections[i].Name(),
			VirtualAddress: p.sections[i].VirtualAddress,
			VirtualSize:    p.sections[i].VirtualSize,
		}
	}
	return out
}

// RVA converts a 1-based segment and offset into an image-relative address.
func (p *PDB) RVA(segment uint16, offset uint32) (uint32, bool) {
	if segment == 0 || int(segment) > len(p.sections) {
		return 0, false
	}
	return p.sections[segment-1].VirtualAddress + offset, true
}

// Modules returns information about compiled modules.
func (p *PDB) Modules() []ModuleInfo {
	out := make([]ModuleInfo, 0, len(p.dbi.Modules))
	for _, mod := range p.dbi.Modules {
		out = append(out, ModuleInfo{
			Name:         mod.ModuleName,
			ObjectFile:   mod.ObjFileName,
			SymbolStream: mod.ModuleSymStream,
			SymbolSize:   mod.SymByteSize,
		})
	}
	return out
}

// Functions returns all procedures. Functions whose segment has no section
// header keep a zero RVA.
func (p *PDB) Functions() ([]Function, error) {
	p.loadSymbols()
	return p.functions, p.symErr
}

// Variables returns all global and static variables.
func (p *PDB) Variables() ([]Variable, error) {
	p.loadSymbols()
	return p.variables, p.symErr
}

// PublicSymbols returns all public symbols.
func (p *PDB) PublicSymbols() ([]PublicSymbol, error) {
	p.loadSymbols()
	return p.publics, p.symErr
}

// StructNames returns the names of all complete structures, sorted.
func (p *PDB) StructNames() []string {
	names := maps.Keys(p.structs)
	slices.Sort(names)
	return names
}

// Struct returns the layout of the structure or class called name.
func (p *PDB) Struct(name string) (*Struct, error) {
	s, ok := p.structs[name]
	if !ok {
		return nil, fmt.Errorf("struct %q: %w", name, ErrNotFound)
	}
	out := &Struct{Name: s.Name, Size: s.Size}
	if s.FieldList == 0 {
		return out, nil
	}
	members, err := codeview.FieldList(p.tpi, s.FieldList)
	if err != nil {
		return nil, fmt.Errorf("struct %q: %w", name, err)
	}
	for _, m := range members {
		if m.Static {
			continue
		}
		out.Members = append(out.Members, Member{Name: m.Name, Offset: m.Offset})
	}
	return out, nil
}

func (p *PDB) loadSymbols() {
	p.symOnce.Do(func() {
		p.functions = []Function{}
		p.variables = []Variable{}
		p.publics = []PublicSymbol{}
		p.symErr = p.walkSymbols(p.collect)
	})
}

func (p *PDB) collect(rec codeview.SymbolRecord, module string) error {
	switch {
	case rec.Kind == codeview.S_PUB32:
		pub, err := codeview.ParsePubSym(rec.Data)
		if err != nil {
			return err
		}
		rva, _ := p.RVA(pub.Segment, pub.Offset)
		p.publics = append(p.publics, PublicSymbol{
			Name:       pub.Name,
			Segment:    pub.Segment,
			Offset:     pub.Offset,
			RVA:        rva,
			IsFunction: pub.IsFunction(),
		})
	case codeview.IsDataSymbol(rec.Kind):
		d, err := codeview.ParseDataSym(rec.Data)
		if err != nil {
			return err
		}
		rva, _ := p.RVA(d.Segment, d.Offset)
		p.variables = append(p.variables, Variable{
			Name:        d.Name,
			Segment:     d.Segment,
			Offset:      d.Offset,
			RVA:         rva,
			IsGlobal:    rec.Kind == codeview.S_GDATA32 || rec.Kind == codeview.S_GTHREAD32,
			ThreadLocal: rec.Kind == codeview.S_GTHREAD32 || rec.Kind == codeview.S_LTHREAD32,
			Module:      module,
		})
	case codeview.IsProcSymbol(rec.Kind):
		proc, err := codeview.ParseProcSym(rec.Data)
		if err != nil {
			return err
		}
		rva, _ := p.RVA(proc.Segment, proc.Offset)
		p.functions = append(p.functions, Function{
			Name:     proc.Name,
			Segment:  proc.Segment,
			Offset:   proc.Offset,
			RVA:      rva,
			Length:   proc.Length,
			IsGlobal: rec.Kind == codeview.S_GPROC32 || rec.Kind == codeview.S_GPROC32_ID,
			Module:   module,
		})
	}
	return nil
}

// walkSymbols visits the global symbol record stream, then every module
// symbol stream.
func (p *PDB) walkSymbols(fn func(rec codeview.SymbolRecord, module string) error) error {
	if idx := p.dbi.Header.SymRecordStream; idx != streams.NoStream {
		data, err := p.msf.ReadStream(int(idx))
		if err != nil {
			return fmt.Errorf("failed to read symbol records: %w", err)
		}
		err = codeview.WalkSymbols(data, false, func(rec codeview.SymbolRecord) error {
			return fn(rec, "")
		})
		if err != nil {
			return fmt.Errorf("global symbols: %w", err)
		}
	}

	for _, mod := range p.dbi.Modules {
		if !mod.HasSymbols() {
			continue
		}
		data, err := p.msf.ReadStream(int(mod.ModuleSymStream))
		if err != nil {
			return fmt.Errorf("failed to read symbols of %s: %w", mod.ModuleName, err)
		}
		if uint32(len(data)) > mod.SymByteSize {
			data = data[:mod.SymByteSize]
		}
		err = codeview.WalkSymbols(data, true, func(rec codeview.SymbolRecord) error {
			return fn(rec, mod.ModuleName)
		})
		if err != nil {
			return fmt.Errorf("symbols of %s: %w", mod.ModuleName, err)
		}
	}
	return nil
}
