package sym

import "fmt"

// Span is the runtime range [Addr, Addr+Size) a module is mapped at.
type Span struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// End returns the first address past the span.
func (s Span) End() uint64 {
	return s.Addr + s.Size
}

// Contains reports whether addr falls inside the span.
func (s Span) Contains(addr uint64) bool {
	return addr >= s.Addr && addr-s.Addr < s.Size
}

func (s Span) String() string {
	return fmt.Sprintf("%#x-%#x", s.Addr, s.End())
}
