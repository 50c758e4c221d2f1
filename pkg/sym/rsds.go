package sym

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var rsdsMagic = []byte("RSDS")

const (
	rsdsHeaderSize = 4 + 16 + 4
	rsdsMinSize    = rsdsHeaderSize + 2
)

// rsdsHeader is the CodeView 7.0 debug record stored in PE debug directories.
type rsdsHeader struct {
	Magic [4]byte
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
	Age   uint32
}

// Identity names the debug file matching a loaded image.
type Identity struct {
	ID   string `json:"id"`   // GUID as 32 hex digits followed by the decimal age
	Name string `json:"name"` // debug file name recorded by the linker
}

// ReadIdentity scans image for an RSDS record and decodes it. Candidates
// whose name is not printable ASCII are skipped. An empty name is accepted.
func ReadIdentity(image []byte) (Identity, error) {
	for off := 0; ; {
		i := bytes.Index(image[off:], rsdsMagic)
		if i < 0 {
			return Identity{}, ErrNoIdentity
		}
		pos := off + i
		rec := image[pos:]
		if len(rec) < rsdsMinSize {
			return Identity{}, errors.Wrapf(ErrImageTooSmall, "marker at %#x", pos)
		}
		end := bytes.IndexByte(rec[rsdsHeaderSize:], 0)
		if end < 0 {
			return Identity{}, errors.Wrapf(ErrUnterminatedName, "marker at %#x", pos)
		}

		name := rec[rsdsHeaderSize : rsdsHeaderSize+end]
		if isPrintable(name) {
			var hdr rsdsHeader
			if err := struc.UnpackWithOrder(bytes.NewReader(rec), &hdr, binary.LittleEndian); err != nil {
				return Identity{}, errors.Wrap(err, "decode RSDS header")
			}
			return Identity{ID: hdr.identifier(), Name: string(name)}, nil
		}
		off = pos + 1
	}
}

// identifier renders the GUID with its first three fields in big-endian
// order, then the age in decimal.
func (h *rsdsHeader) identifier() string {
	return fmt.Sprintf("%08X%04X%04X%X", h.Data1, h.Data2, h.Data3, h.Data4[:]) +
		strconv.FormatUint(uint64(h.Age), 10)
}

func isPrintable(name []byte) bool {
	for _, c := range name {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
