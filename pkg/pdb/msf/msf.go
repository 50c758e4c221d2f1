package msf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// unusedStreamSize marks a deleted stream in the directory.
const unusedStreamSize = 0xFFFFFFFF

// MSF represents an opened MSF (Multi-Stream Format) file.
type MSF struct {
	r          io.ReaderAt
	closer     io.Closer
	superBlock *SuperBlock
	streams    []*Stream
}

// Open opens an MSF file and parses its structure. The file stays open until
// Close is called; it is closed before returning if parsing fails.
func Open(path string) (*MSF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	m, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.closer = f
	return m, nil
}

// New parses an MSF container from r. The caller keeps ownership of r.
func New(r io.ReaderAt) (*MSF, error) {
	sb, err := ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, err
	}

	// Sizes in the directory are checked against NumBlocks, so the last
	// declared block must exist.
	var last [1]byte
	if _, err := r.ReadAt(last[:], int64(sb.FileSize())-1); err != nil {
		return nil, fmt.Errorf("file shorter than %d blocks: %v: %w", sb.NumBlocks, err, ErrInvalidFile)
	}

	m := &MSF{r: r, superBlock: sb}
	dir, err := m.readDirectory()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream directory: %w", err)
	}
	if err := m.parseDirectory(dir); err != nil {
		return nil, fmt.Errorf("failed to parse stream directory: %w", err)
	}
	return m, nil
}

// Close releases the underlying file, if Open created one.
func (m *MSF) Close() error {
	if m.closer == nil {
		return nil
	}
	err := m.closer.Close()
	m.closer = nil
	return err
}

// SuperBlock returns the MSF SuperBlock.
func (m *MSF) SuperBlock() *SuperBlock {
	return m.superBlock
}

// BlockSize returns the block size used by this MSF file.
func (m *MSF) BlockSize() uint32 {
	return m.superBlock.BlockSize
}

// NumStreams returns the number of streams in the file.
func (m *MSF) NumStreams() int {
	return len(m.streams)
}

// Stream returns the stream at the given index.
func (m *MSF) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// ReadStream reads the whole stream at index. Empty and deleted streams
// yield a nil slice.
func (m *MSF) ReadStream(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	if s.Size() == 0 {
		return nil, nil
	}
	return s.ReadAll()
}

// StreamReader returns a reader for the stream at the given index.
func (m *MSF) StreamReader(index int) (*StreamReader, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(s), nil
}

func (m *MSF) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

// readDirectory follows the block map to gather the raw stream directory.
func (m *MSF) readDirectory() ([]byte, error) {
	blockSize := int64(m.superBlock.BlockSize)

	blockMap := make([]uint32, m.superBlock.NumDirectoryBlocks())
	mapReader := io.NewSectionReader(m.r, int64(m.superBlock.BlockMapAddr)*blockSize, blockSize)
	if err := binary.Read(mapReader, binary.LittleEndian, blockMap); err != nil {
		return nil, fmt.Errorf("failed to read block map: %w", err)
	}

	dir := make([]byte, m.superBlock.NumDirectoryBytes)
	for i, blockIdx := range blockMap {
		if blockIdx >= m.superBlock.NumBlocks {
			return nil, fmt.Errorf("directory block %d out of range: %w", blockIdx, ErrInvalidFile)
		}
		start := int64(i) * blockSize
		end := start + blockSize
		if end > int64(len(dir)) {
			end = int64(len(dir))
		}
		if _, err := m.r.ReadAt(dir[start:end], int64(blockIdx)*blockSize); err != nil {
			return nil, fmt.Errorf("failed to read directory block %d: %w", blockIdx, err)
		}
	}
	return dir, nil
}

// parseDirectory decodes stream sizes and block lists:
// NumStreams, StreamSizes[NumStreams], then each stream's block indices.
func (m *MSF) parseDirectory(data []byte) error {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return fmt.Errorf("failed to read stream count: %w", err)
	}
	if uint64(numStreams)*4 > uint64(r.Len()) {
		return fmt.Errorf("stream count %d exceeds directory: %w", numStreams, ErrInvalidFile)
	}

	sizes := make([]uint32, numStreams)
	if err := binary.Read(r, binary.LittleEndian, sizes); err != nil {
		return fmt.Errorf("failed to read stream sizes: %w", err)
	}

	m.streams = make([]*Stream, numStreams)
	for i, size := range sizes {
		if size == unusedStreamSize {
			m.streams[i] = &Stream{msf: m}
			continue
		}
		if uint64(size) > m.superBlock.FileSize() {
			return fmt.Errorf("stream %d size %d exceeds file: %w", i, size, ErrInvalidFile)
		}
		n := blocksFor(size, m.superBlock.BlockSize)
		if uint64(n)*4 > uint64(r.Len()) {
			return fmt.Errorf("block list of stream %d exceeds directory: %w", i, ErrInvalidFile)
		}
		blocks := make([]uint32, n)
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return fmt.Errorf("failed to read block list of stream %d: %w", i, err)
		}
		for _, b := range blocks {
			if b >= m.superBlock.NumBlocks {
				return fmt.Errorf("stream %d block %d out of range: %w", i, b, ErrInvalidFile)
			}
		}
		m.streams[i] = &Stream{msf: m, size: size, blocks: blocks}
	}
	return nil
}
