package sym

import (
	"github.com/pkg/errors"
)

// Open picks the debug file format by which artifact exists for module: the
// PDB layout is tried first, then the DWARF one.
func Open(cfg Config, span Span, module, id string) (Module, error) {
	if cfg.PDBRoot != "" {
		m, err := OpenPDB(cfg, span, module, id)
		if !errors.Is(err, ErrNoDebugFile) {
			return m, err
		}
	}
	if cfg.DWARFRoot != "" {
		m, err := OpenDWARF(cfg, span, module, id)
		if !errors.Is(err, ErrNoDebugFile) {
			return m, err
		}
	}
	return nil, errors.Wrapf(ErrNoDebugFile, "module %s id %s", module, id)
}
