// Package pdb provides high-level access to Microsoft PDB debug files.
package pdb

// Function represents a procedure symbol.
type Function struct {
	Name     string `json:"name"`
	Segment  uint16 `json:"segment"`
	Offset   uint32 `json:"offset"`
	RVA      uint32 `json:"rva"`
	Length   uint32 `json:"length"`
	IsGlobal bool   `json:"is_global"`
	Module   string `json:"module,omitempty"`
}

// Variable represents a global or static data symbol.
type Variable struct {
	Name        string `json:"name"`
	Segment     uint16 `json:"segment"`
	Offset      uint32 `json:"offset"`
	RVA         uint32 `json:"rva"`
	IsGlobal    bool   `json:"is_global"`
	ThreadLocal bool   `json:"thread_local,omitempty"`
	Module      string `json:"module,omitempty"`
}

// PublicSymbol represents a public symbol from the symbol record stream.
type PublicSymbol struct {
	Name       string `json:"name"`
	Segment    uint16 `json:"segment"`
	Offset     uint32 `json:"offset"`
	RVA        uint32 `json:"rva"`
	IsFunction bool   `json:"is_function"`
}

// Section is one image section as recorded by the linker.
type Section struct {
	Index          uint16 `json:"index"` // 1-based, as used by symbol segments
	Name           string `json:"name"`
	VirtualAddress uint32 `json:"virtual_address"`
	VirtualSize    uint32 `json:"virtual_size"`
}

// Struct is a complete structure or class definition.
type Struct struct {
	Name    string   `json:"name"`
	Size    uint64   `json:"size"`
	Members []Member `json:"members,omitempty"`
}

// Member is a non-static data member of a Struct.
type Member struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
}

// Member returns the first member called name.
func (s *Struct) Member(name string) (Member, bool) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// ModuleInfo represents a compiled module.
type ModuleInfo struct {
	Name         string `json:"name"`
	ObjectFile   string `json:"object_file"`
	SymbolStream uint16 `json:"symbol_stream"`
	SymbolSize   uint32 `json:"symbol_size"`
}

// Info contains basic PDB file information.
type Info struct {
	GUID         string            `json:"guid"`
	Age          uint32            `json:"age"`
	Identifier   string            `json:"identifier"`
	Version      uint32            `json:"version"`
	Machine      string            `json:"machine"`
	Streams      int               `json:"streams"`
	Types        int               `json:"types"`
	Sections     int               `json:"sections"`
	NamedStreams map[string]uint32 `json:"named_streams,omitempty"`
}
