// Package streams provides parsers for the fixed PDB streams.
package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/lunixbochs/struc"

	"github.com/jtang613/modsym/pkg/pdb/msf"
)

// PDB Stream versions
const (
	PDBStreamVersionVC2     = 19941610
	PDBStreamVersionVC4     = 19950623
	PDBStreamVersionVC50    = 19960307
	PDBStreamVersionVC98    = 19970604
	PDBStreamVersionVC70Dep = 19990604
	PDBStreamVersionVC70    = 20000404
	PDBStreamVersionVC80    = 20030901
	PDBStreamVersionVC110   = 20091201
	PDBStreamVersionVC140   = 20140508
)

// PDBInfoHeader is the fixed header at the start of the PDB info stream.
type PDBInfoHeader struct {
	Version   uint32
	Signature uint32 // creation timestamp
	Age       uint32 // number of times the PDB has been written
	GUID      [16]byte
}

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	PDBInfoHeader
	NamedStreams map[string]uint32
}

// ReadPDBInfo parses the PDB info stream. Versions older than VC70 carry no
// GUID and are rejected with msf.ErrUnsupportedVersion.
func ReadPDBInfo(r io.Reader) (*PDBInfo, error) {
	info := &PDBInfo{NamedStreams: make(map[string]uint32)}
	if err := struc.UnpackWithOrder(r, &info.PDBInfoHeader, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read PDB info header: %v: %w", err, msf.ErrInvalidFile)
	}
	if info.Version < PDBStreamVersionVC70 {
		return nil, fmt.Errorf("PDB info version %d: %w", info.Version, msf.ErrUnsupportedVersion)
	}

	// The named stream map is optional; a truncated one leaves the map partial.
	_ = readNamedStreams(r, info.NamedStreams)
	return info, nil
}

// readNamedStreams decodes the serialized hash table mapping stream names to
// stream indices: string buffer, size, capacity, present and deleted bit
// vectors, then one (key offset, stream index) pair per present bucket.
func readNamedStreams(r io.Reader, out map[string]uint32) error {
	var strBufSize uint32
	if err := binary.Read(r, binary.LittleEndian, &strBufSize); err != nil {
		return err
	}
	strBuf := make([]byte, strBufSize)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return err
	}

	var size, capacity uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &capacity); err != nil {
		return err
	}
	present, err := readBitVector(r)
	if err != nil {
		return err
	}
	if _, err := readBitVector(r); err != nil {
		return err
	}

	for i := uint32(0); i < capacity; i++ {
		if !isBitSet(present, i) {
			continue
		}
		var pair [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &pair); err != nil {
			return err
		}
		if pair[0] < strBufSize {
			out[cString(strBuf[pair[0]:])] = pair[1]
		}
	}
	return nil
}

func readBitVector(r io.Reader) ([]uint32, error) {
	var words uint32
	if err := binary.Read(r, binary.LittleEndian, &words); err != nil {
		return nil, err
	}
	v := make([]uint32, words)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}

// GUIDString returns the GUID as 32 uppercase hex digits, with the first
// three fields shown in their natural byte order.
func (p *PDBInfo) GUIDString() string {
	return fmt.Sprintf("%08X%04X%04X%X",
		binary.LittleEndian.Uint32(p.GUID[0:4]),
		binary.LittleEndian.Uint16(p.GUID[4:6]),
		binary.LittleEndian.Uint16(p.GUID[6:8]),
		p.GUID[8:16])
}

// Identifier returns the GUID string followed by the decimal age, the form
// used to key symbol store directories.
func (p *PDBInfo) Identifier() string {
	return p.GUIDString() + strconv.FormatUint(uint64(p.Age), 10)
}

func isBitSet(words []uint32, n uint32) bool {
	if n/32 >= uint32(len(words)) {
		return false
	}
	return words[n/32]&(1<<(n%32)) != 0
}

func cString(data []byte) string {
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		return string(data[:idx])
	}
	return string(data)
}
