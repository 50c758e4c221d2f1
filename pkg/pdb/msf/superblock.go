// Package msf implements parsing for Microsoft's Multi-Stream Format (MSF) container.
package msf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// MSF 7.00 magic signature
var MSFMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// legacyMagic prefixes the pre-7.00 "JG" container, which is not supported.
var legacyMagic = []byte("Microsoft C/C++ program database 2.00")

var (
	// ErrInvalidFile is returned when the file is not an MSF container.
	ErrInvalidFile = errors.New("invalid file")
	// ErrUnsupportedVersion is returned for containers older than MSF 7.00.
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// SuperBlock is the header structure at the beginning of an MSF file.
type SuperBlock struct {
	Magic             [32]byte
	BlockSize         uint32 // 512, 1024, 2048 or 4096
	FreeBlockMapBlock uint32 // 1 or 2
	NumBlocks         uint32
	NumDirectoryBytes uint32
	Unknown           uint32
	BlockMapAddr      uint32 // block holding the directory block map
}

// SuperBlockSize is the size of the SuperBlock structure in bytes.
const SuperBlockSize = 56

// ValidBlockSizes are the allowed block sizes for MSF files.
var ValidBlockSizes = []uint32{512, 1024, 2048, 4096}

// ReadSuperBlock reads and validates the SuperBlock from the beginning of an MSF file.
func ReadSuperBlock(r io.Reader) (*SuperBlock, error) {
	var sb SuperBlock
	if err := struc.UnpackWithOrder(r, &sb, binary.LittleEndian); err != nil {
		return nil, fmt.Errorf("failed to read superblock: %v: %w", err, ErrInvalidFile)
	}

	if bytes.Equal(sb.Magic[:], legacyMagic[:len(sb.Magic)]) {
		return nil, fmt.Errorf("program database 2.00 container: %w", ErrUnsupportedVersion)
	}
	if !bytes.Equal(sb.Magic[:], MSFMagic) {
		return nil, fmt.Errorf("bad magic: %w", ErrInvalidFile)
	}

	if !isValidBlockSize(sb.BlockSize) {
		return nil, fmt.Errorf("invalid block size %d: %w", sb.BlockSize, ErrInvalidFile)
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return nil, fmt.Errorf("invalid free block map block %d: %w", sb.FreeBlockMapBlock, ErrInvalidFile)
	}
	if sb.BlockMapAddr >= sb.NumBlocks {
		return nil, fmt.Errorf("block map address %d beyond %d blocks: %w", sb.BlockMapAddr, sb.NumBlocks, ErrInvalidFile)
	}
	if uint64(sb.NumDirectoryBytes) > sb.FileSize() {
		return nil, fmt.Errorf("directory of %d bytes exceeds %d blocks: %w", sb.NumDirectoryBytes, sb.NumBlocks, ErrInvalidFile)
	}
	// The block map occupies a single block.
	if uint64(sb.NumDirectoryBlocks())*4 > uint64(sb.BlockSize) {
		return nil, fmt.Errorf("directory of %d blocks overflows the block map: %w", sb.NumDirectoryBlocks(), ErrInvalidFile)
	}

	return &sb, nil
}

// NumDirectoryBlocks returns the number of blocks needed to store the stream directory.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return blocksFor(sb.NumDirectoryBytes, sb.BlockSize)
}

// FileSize returns the container size implied by NumBlocks.
func (sb *SuperBlock) FileSize() uint64 {
	return uint64(sb.NumBlocks) * uint64(sb.BlockSize)
}

func blocksFor(size, blockSize uint32) uint32 {
	return uint32((uint64(size) + uint64(blockSize) - 1) / uint64(blockSize))
}

func isValidBlockSize(size uint32) bool {
	for _, valid := range ValidBlockSizes {
		if size == valid {
			return true
		}
	}
	return false
}
