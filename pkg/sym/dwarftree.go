package sym

import (
	"debug/dwarf"

	"github.com/pkg/errors"
)

// dwarfTree walks debug/dwarf data. Each call uses its own reader, so
// concurrent calls are safe.
type dwarfTree struct {
	data *dwarf.Data
}

func (t *dwarfTree) topLevel() ([]*dwarf.Entry, error) {
	r := t.data.Reader()
	var out []*dwarf.Entry
	units := 0
	for {
		cu, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read compilation unit")
		}
		if cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit && cu.Tag != dwarf.TagPartialUnit {
			r.SkipChildren()
			continue
		}
		units++
		if !cu.Children {
			continue
		}
		kids, err := readSiblings(r)
		if err != nil {
			return nil, err
		}
		out = append(out, kids...)
	}
	if units == 0 {
		return nil, errors.Wrap(ErrNoStructures, "no compilation unit")
	}
	return out, nil
}

func (t *dwarfTree) children(e *dwarf.Entry) ([]*dwarf.Entry, error) {
	if !e.Children {
		return nil, nil
	}
	r := t.data.Reader()
	r.Seek(e.Offset)
	if _, err := r.Next(); err != nil {
		return nil, errors.Wrapf(err, "read entry %#x", e.Offset)
	}
	return readSiblings(r)
}

func (t *dwarfTree) entry(off dwarf.Offset) (*dwarf.Entry, error) {
	r := t.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "read entry %#x", off)
	}
	if e == nil {
		return nil, errors.Errorf("no entry at %#x", off)
	}
	return e, nil
}

// variables returns every named DW_TAG_variable located by a single DW_OP_addr.
// Operands are sized by their compilation unit, or by fallback when the unit
// does not record an address size.
func (t *dwarfTree) variables(fallback int) ([]Symbol, error) {
	r := t.data.Reader()
	var out []Symbol
	for {
		e, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read entries")
		}
		if e == nil {
			return out, nil
		}
		if e.Tag != dwarf.TagVariable {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		if name == "" {
			continue
		}
		addrSize := r.AddressSize()
		if addrSize == 0 {
			addrSize = fallback
		}
		if addr, ok := staticAddress(e, addrSize); ok {
			out = append(out, Symbol{Name: name, Addr: addr})
		}
	}
}

// readSiblings reads entries up to the null entry closing the current
// sibling list, skipping their subtrees.
func readSiblings(r *dwarf.Reader) ([]*dwarf.Entry, error) {
	var out []*dwarf.Entry
	for {
		e, err := r.Next()
		if err != nil {
			return nil, errors.Wrap(err, "read children")
		}
		if e == nil || e.Tag == 0 {
			return out, nil
		}
		out = append(out, e)
		if e.Children {
			r.SkipChildren()
		}
	}
}
