package sym

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Symbol is a named runtime address.
type Symbol struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
}

// Cursor locates an address as a byte offset past a symbol.
type Cursor struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
}

// Index answers name and address queries over a module's symbols. It is
// immutable once built and safe for concurrent use.
type Index struct {
	byName map[string]uint64
	byAddr []Symbol // sorted by Addr, one symbol per address
}

// indexBuilder accumulates symbols reported at static addresses and rebases
// them into the module's runtime span.
type indexBuilder struct {
	base   uint64
	span   Span
	byName map[string]uint64
	byAddr map[uint64]string
}

func newIndexBuilder(base uint64, span Span) *indexBuilder {
	return &indexBuilder{
		base:   base,
		span:   span,
		byName: make(map[string]uint64),
		byAddr: make(map[uint64]string),
	}
}

// add records name at a static address. Later names win on both keys.
func (b *indexBuilder) add(name string, static uint64) {
	addr := static - b.base + b.span.Addr
	if old, ok := b.byName[name]; ok && old != addr && b.byAddr[old] == name {
		delete(b.byAddr, old)
	}
	b.byName[name] = addr
	b.byAddr[addr] = name
}

func (b *indexBuilder) build() *Index {
	idx := &Index{
		byName: b.byName,
		byAddr: make([]Symbol, 0, len(b.byAddr)),
	}
	for addr, name := range b.byAddr {
		idx.byAddr = append(idx.byAddr, Symbol{Name: name, Addr: addr})
	}
	slices.SortFunc(idx.byAddr, func(a, b Symbol) int {
		return compareAddr(a.Addr, b.Addr)
	})
	return idx
}

func compareAddr(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Len returns the number of distinct addresses in the index.
func (idx *Index) Len() int {
	return len(idx.byAddr)
}

// Lookup returns the runtime address of name.
func (idx *Index) Lookup(name string) (uint64, bool) {
	addr, ok := idx.byName[name]
	return addr, ok
}

// Containing returns every symbol whose name contains substr. An empty
// result is reported as not found.
func (idx *Index) Containing(substr string) (map[string]uint64, bool) {
	var found map[string]uint64
	for name, addr := range idx.byName {
		if !strings.Contains(name, substr) {
			continue
		}
		if found == nil {
			found = make(map[string]uint64)
		}
		found[name] = addr
	}
	return found, found != nil
}

// Nearest returns the symbol at or before addr and the offset into it. When
// addr is past the last symbol, or below the first one, the last symbol is
// used and the offset wraps.
func (idx *Index) Nearest(addr uint64) (Cursor, bool) {
	if len(idx.byAddr) == 0 {
		return Cursor{}, false
	}
	i, exact := slices.BinarySearchFunc(idx.byAddr, addr, func(s Symbol, target uint64) int {
		return compareAddr(s.Addr, target)
	})
	switch {
	case exact:
	case i == len(idx.byAddr) || i == 0:
		i = len(idx.byAddr) - 1
	default:
		i--
	}
	s := idx.byAddr[i]
	return Cursor{Name: s.Name, Offset: addr - s.Addr}, true
}

// Each calls fn for every symbol in address order until fn returns false.
func (idx *Index) Each(fn func(Symbol) bool) {
	for _, s := range idx.byAddr {
		if !fn(s) {
			return
		}
	}
}
