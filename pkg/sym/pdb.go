package sym

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jtang613/modsym/pkg/pdb"
)

// pdbBaseAddress is the static load base symbol addresses are reported at.
const pdbBaseAddress = 0x80000000

// pdbSource is the part of a parsed PDB the module queries.
type pdbSource interface {
	Identifier() string
	RVA(segment uint16, offset uint32) (uint32, bool)
	PublicSymbols() ([]pdb.PublicSymbol, error)
	Variables() ([]pdb.Variable, error)
	Functions() ([]pdb.Function, error)
	Struct(name string) (*pdb.Struct, error)
	Close() error
}

// openPDBFile opens the PDB backing a module.
var openPDBFile = func(path string) (pdbSource, error) {
	return pdb.Open(path)
}

type pdbModule struct {
	symbolQueries
	src pdbSource
	log zerolog.Logger
}

// PDBPath returns where a module's PDB lives under root.
func PDBPath(root, module, id string) string {
	return filepath.Join(root, module, id, module)
}

// OpenPDB opens the PDB of module with identifier id under cfg.PDBRoot.
func OpenPDB(cfg Config, span Span, module, id string) (Module, error) {
	log := componentLogger(cfg, "pdb")
	path := PDBPath(cfg.PDBRoot, module, id)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrNoDebugFile, "%s: %v", path, err)
	}

	p, err := openPDBFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("unable to open PDB")
		return nil, errors.Wrapf(err, "open %s", path)
	}
	m, err := newPDBModule(log, span, p, id)
	if err != nil {
		p.Close()
		log.Error().Err(err).Str("path", path).Msg("unable to index PDB")
		return nil, errors.Wrapf(err, "index %s", path)
	}
	log.Info().Str("path", path).Int("symbols", m.index.Len()).Msg("loaded module")
	return m, nil
}

// OpenPDBImage reads the RSDS record of a loaded image and opens the
// matching PDB.
func OpenPDBImage(cfg Config, span Span, image []byte) (Module, error) {
	log := componentLogger(cfg, "pdb")
	ident, err := ReadIdentity(image)
	if err != nil {
		log.Error().Err(err).Msg("unable to identify image")
		return nil, err
	}
	log.Info().Str("name", ident.Name).Str("id", ident.ID).Msg("identified image")
	return OpenPDB(cfg, span, ident.Name, ident.ID)
}

func newPDBModule(log zerolog.Logger, span Span, src pdbSource, id string) (*pdbModule, error) {
	if got := src.Identifier(); id != "" && got != id {
		log.Warn().Str("want", id).Str("got", got).Msg("identifier mismatch")
	}

	b := newIndexBuilder(pdbBaseAddress, span)
	skipped := 0
	add := func(name string, segment uint16, offset uint32) {
		rva, ok := src.RVA(segment, offset)
		if !ok {
			skipped++
			return
		}
		b.add(name, pdbBaseAddress+uint64(rva))
	}

	publics, err := src.PublicSymbols()
	if err != nil {
		return nil, errors.Wrap(err, "read public symbols")
	}
	for _, s := range publics {
		add(s.Name, s.Segment, s.Offset)
	}
	vars, err := src.Variables()
	if err != nil {
		return nil, errors.Wrap(err, "read variables")
	}
	for _, v := range vars {
		add(v.Name, v.Segment, v.Offset)
	}
	funcs, err := src.Functions()
	if err != nil {
		return nil, errors.Wrap(err, "read functions")
	}
	for _, f := range funcs {
		add(f.Name, f.Segment, f.Offset)
	}
	if skipped > 0 {
		log.Debug().Int("skipped", skipped).Msg("symbols outside known sections")
	}

	return &pdbModule{
		symbolQueries: symbolQueries{span: span, index: b.build()},
		src:           src,
		log:           log,
	}, nil
}

func (m *pdbModule) lookupStruct(name string) (*pdb.Struct, bool) {
	s, err := m.src.Struct(name)
	if err != nil {
		if !errors.Is(err, pdb.ErrNotFound) {
			m.log.Debug().Err(err).Str("struct", name).Msg("unable to read structure")
		}
		return nil, false
	}
	return s, true
}

func (m *pdbModule) StructSize(name string) (uint64, bool) {
	s, ok := m.lookupStruct(name)
	if !ok {
		return 0, false
	}
	return s.Size, true
}

func (m *pdbModule) StructOffset(name, member string) (uint64, bool) {
	s, ok := m.lookupStruct(name)
	if !ok {
		return 0, false
	}
	mb, ok := s.Member(member)
	return mb.Offset, ok
}

func (m *pdbModule) Close() error {
	return m.src.Close()
}
