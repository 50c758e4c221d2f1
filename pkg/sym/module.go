// Package sym resolves runtime addresses of a mapped module to symbols and
// structure layouts, using either a PDB or a DWARF debug file.
package sym

import "github.com/rs/zerolog"

// Module answers symbol and structure queries for one mapped module.
// Implementations are immutable after construction and safe for concurrent
// queries. Queries report absence with a false second result.
type Module interface {
	// Span returns the runtime range the module was opened with.
	Span() Span
	// Symbol returns the runtime address of name.
	Symbol(name string) (uint64, bool)
	// SymbolsContaining returns all symbols whose name contains substr.
	SymbolsContaining(substr string) (map[string]uint64, bool)
	// SymbolAt returns the symbol at or before addr.
	SymbolAt(addr uint64) (Cursor, bool)
	// Symbols calls fn for each symbol in address order until it returns false.
	Symbols(fn func(Symbol) bool)
	// StructSize returns the byte size of the named structure.
	StructSize(name string) (uint64, bool)
	// StructOffset returns the byte offset of member within the named structure.
	StructOffset(name, member string) (uint64, bool)
	// Close releases the debug file.
	Close() error
}

// symbolQueries implements the Module symbol queries over an Index.
type symbolQueries struct {
	span  Span
	index *Index
}

func (q *symbolQueries) Span() Span {
	return q.span
}

func (q *symbolQueries) Symbol(name string) (uint64, bool) {
	return q.index.Lookup(name)
}

func (q *symbolQueries) SymbolsContaining(substr string) (map[string]uint64, bool) {
	return q.index.Containing(substr)
}

func (q *symbolQueries) SymbolAt(addr uint64) (Cursor, bool) {
	return q.index.Nearest(addr)
}

func (q *symbolQueries) Symbols(fn func(Symbol) bool) {
	q.index.Each(fn)
}

func componentLogger(cfg Config, component string) zerolog.Logger {
	return cfg.logger().With().Str("component", component).Logger()
}
