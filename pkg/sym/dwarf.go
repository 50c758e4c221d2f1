package sym

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/constraints"
)

const (
	// maxAnonDepth bounds descent through anonymous members.
	maxAnonDepth = 16
	// maxTypedefDepth bounds typedef and qualifier chains.
	maxTypedefDepth = 16
	pageSize        = 0x1000
)

// dieTree is the view of the DWARF entry graph the struct resolver walks.
type dieTree interface {
	// topLevel returns the direct children of every compilation unit.
	topLevel() ([]*dwarf.Entry, error)
	// children returns the direct children of e.
	children(e *dwarf.Entry) ([]*dwarf.Entry, error)
	// entry returns the entry at off.
	entry(off dwarf.Offset) (*dwarf.Entry, error)
}

type dwarfModule struct {
	symbolQueries
	tree    dieTree
	structs map[string]*dwarf.Entry
	closer  io.Closer
	log     zerolog.Logger
}

// DWARFPath returns where a module's ELF debug file lives under root.
func DWARFPath(root, module, id string) string {
	return filepath.Join(root, module, id, "elf")
}

// OpenDWARF opens the ELF debug file of module with identifier id under
// cfg.DWARFRoot.
func OpenDWARF(cfg Config, span Span, module, id string) (Module, error) {
	path := DWARFPath(cfg.DWARFRoot, module, id)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrNoDebugFile, "%s: %v", path, err)
	}
	return OpenDWARFFile(cfg, span, path)
}

// OpenDWARFFile opens an ELF file carrying DWARF sections.
func OpenDWARFFile(cfg Config, span Span, path string) (Module, error) {
	log := componentLogger(cfg, "dwarf")
	ef, err := elf.Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("unable to open ELF file")
		return nil, errors.Wrapf(err, "open %s", path)
	}
	m, err := loadDWARF(log, span, ef)
	if err != nil {
		ef.Close()
		log.Error().Err(err).Str("path", path).Msg("unable to load DWARF")
		return nil, errors.Wrapf(err, "load %s", path)
	}
	log.Info().Str("path", path).Int("symbols", m.index.Len()).Int("structs", len(m.structs)).Msg("loaded module")
	return m, nil
}

func loadDWARF(log zerolog.Logger, span Span, ef *elf.File) (*dwarfModule, error) {
	d, err := ef.DWARF()
	if err != nil {
		return nil, errors.Wrap(err, "read DWARF")
	}
	tree := &dwarfTree{data: d}

	b := newIndexBuilder(loadBase(ef), span)
	syms, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Wrap(err, "read symbol table")
	}
	for _, s := range syms {
		typ := elf.ST_TYPE(s.Info)
		if s.Name == "" || s.Section == elf.SHN_UNDEF || (typ != elf.STT_FUNC && typ != elf.STT_OBJECT) {
			continue
		}
		b.add(s.Name, s.Value)
	}
	vars, err := tree.variables(addrSize(ef))
	if err != nil {
		return nil, errors.Wrap(err, "read variables")
	}
	for _, v := range vars {
		b.add(v.Name, v.Addr)
	}

	m, err := newDWARFModule(log, span, tree, b.build())
	if err != nil {
		return nil, err
	}
	m.closer = ef
	return m, nil
}

// loadBase returns the page-aligned lowest PT_LOAD address.
func loadBase(ef *elf.File) uint64 {
	base, found := uint64(0), false
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < base {
			base, found = p.Vaddr, true
		}
	}
	return alignDown(base, pageSize)
}

func addrSize(ef *elf.File) int {
	if ef.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

func alignDown[I constraints.Integer](v, align I) I {
	return v &^ (align - 1)
}

func newDWARFModule(log zerolog.Logger, span Span, tree dieTree, index *Index) (*dwarfModule, error) {
	top, err := tree.topLevel()
	if err != nil {
		return nil, err
	}
	m := &dwarfModule{
		symbolQueries: symbolQueries{span: span, index: index},
		tree:          tree,
		structs:       make(map[string]*dwarf.Entry),
		log:           log,
	}

	var typedefs []*dwarf.Entry
	for _, e := range top {
		name, _ := e.Val(dwarf.AttrName).(string)
		switch {
		case name == "":
		case e.Tag == dwarf.TagTypedef:
			typedefs = append(typedefs, e)
		case isStructTag(e.Tag) && !isDeclaration(e):
			if _, ok := m.structs[name]; !ok {
				m.structs[name] = e
			}
		}
	}
	for _, e := range typedefs {
		name := e.Val(dwarf.AttrName).(string)
		if _, ok := m.structs[name]; ok {
			continue
		}
		if s := m.resolveStruct(e); s != nil {
			m.structs[name] = s
		}
	}

	if len(m.structs) == 0 {
		return nil, ErrNoStructures
	}
	return m, nil
}

// resolveStruct follows typedefs and qualifiers from e to a structure
// definition. Declarations are replaced by the definition of the same name.
func (m *dwarfModule) resolveStruct(e *dwarf.Entry) *dwarf.Entry {
	t := m.stripTypedefs(e)
	if t == nil || !isStructTag(t.Tag) {
		return nil
	}
	if isDeclaration(t) {
		name, _ := t.Val(dwarf.AttrName).(string)
		return m.structs[name]
	}
	return t
}

// stripTypedefs returns the first entry reached from e that is not a typedef
// or a const or volatile qualifier.
func (m *dwarfModule) stripTypedefs(e *dwarf.Entry) *dwarf.Entry {
	for depth := 0; depth < maxTypedefDepth; depth++ {
		switch e.Tag {
		case dwarf.TagTypedef, dwarf.TagConstType, dwarf.TagVolatileType:
		default:
			return e
		}
		off, ok := e.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			return nil
		}
		next, err := m.tree.entry(off)
		if err != nil {
			m.log.Debug().Err(err).Msgf("unable to read entry %#x", off)
			return nil
		}
		e = next
	}
	return nil
}

func (m *dwarfModule) StructSize(name string) (uint64, bool) {
	s, ok := m.structs[name]
	if !ok {
		return 0, false
	}
	size, ok := s.Val(dwarf.AttrByteSize).(int64)
	if !ok || size < 0 {
		m.log.Debug().Str("struct", name).Msg("structure has no byte size")
		return 0, false
	}
	return uint64(size), true
}

func (m *dwarfModule) StructOffset(name, member string) (uint64, bool) {
	s, ok := m.structs[name]
	if !ok {
		return 0, false
	}
	off, found, err := m.findMember(s, member, 0)
	if err != nil {
		m.log.Debug().Err(err).Str("struct", name).Str("member", member).Msg("unable to decode member location")
		return 0, false
	}
	return off, found
}

// findMember searches the direct members of s, then the members of its
// anonymous struct or union members, recursively. An anonymous branch that
// cannot be read counts as holding no match; only a named match whose
// location cannot be decoded is an error.
func (m *dwarfModule) findMember(s *dwarf.Entry, member string, depth int) (uint64, bool, error) {
	if depth > maxAnonDepth {
		m.log.Debug().Int("depth", depth).Msgf("anonymous members nested too deep at %#x", s.Offset)
		return 0, false, nil
	}
	kids, err := m.tree.children(s)
	if err != nil {
		m.log.Debug().Err(err).Msgf("unable to read members of %#x", s.Offset)
		return 0, false, nil
	}

	var anon []*dwarf.Entry
	for _, k := range kids {
		if k.Tag != dwarf.TagMember {
			continue
		}
		name, _ := k.Val(dwarf.AttrName).(string)
		if name == "" {
			anon = append(anon, k)
			continue
		}
		if name != member {
			continue
		}
		off, err := memberOffset(k)
		if errors.Is(err, errNoMemberLocation) && s.Tag == dwarf.TagUnionType {
			return 0, true, nil
		}
		return off, err == nil, err
	}

	for _, k := range anon {
		off, ok := k.Val(dwarf.AttrType).(dwarf.Offset)
		if !ok {
			continue
		}
		t, err := m.tree.entry(off)
		if err != nil {
			m.log.Debug().Err(err).Msgf("unable to read type of anonymous member %#x", k.Offset)
			continue
		}
		if t = m.stripTypedefs(t); t == nil || !isStructTag(t.Tag) {
			continue
		}
		if found, ok, err := m.findMember(t, member, depth+1); ok || err != nil {
			return found, ok, err
		}
	}
	return 0, false, nil
}

func (m *dwarfModule) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func isStructTag(tag dwarf.Tag) bool {
	return tag == dwarf.TagStructType || tag == dwarf.TagClassType || tag == dwarf.TagUnionType
}

func isDeclaration(e *dwarf.Entry) bool {
	decl, _ := e.Val(dwarf.AttrDeclaration).(bool)
	return decl
}
