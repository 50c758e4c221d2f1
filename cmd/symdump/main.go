// symdump queries symbols and structure layouts of a mapped module from its
// PDB or DWARF debug file.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
