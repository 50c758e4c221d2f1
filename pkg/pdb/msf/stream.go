package msf

import (
	"fmt"
	"io"
)

// Stream is one logical byte stream of an MSF file, stored as a list of
// possibly scattered blocks.
type Stream struct {
	msf    *MSF
	size   uint32
	blocks []uint32
}

// Size returns the size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.size
}

// ReadAt implements io.ReaderAt over the stream's logical offsets.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative stream offset %d", off)
	}
	if off >= int64(s.size) {
		return 0, io.EOF
	}

	blockSize := int64(s.msf.superBlock.BlockSize)
	n := 0
	for n < len(p) && off < int64(s.size) {
		idx := off / blockSize
		if idx >= int64(len(s.blocks)) {
			return n, fmt.Errorf("stream offset %d past block list: %w", off, ErrInvalidFile)
		}
		inBlock := off % blockSize
		chunk := minInt64(blockSize-inBlock, int64(s.size)-off, int64(len(p)-n))

		got, err := s.msf.readAt(p[n:n+int(chunk)], int64(s.blocks[idx])*blockSize+inBlock)
		n += got
		off += int64(got)
		if err != nil {
			if err == io.EOF && int64(got) == chunk {
				continue
			}
			return n, err
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadAll reads the entire stream contents into a byte slice.
func (s *Stream) ReadAll() ([]byte, error) {
	data := make([]byte, s.size)
	if _, err := io.ReadFull(NewStreamReader(s), data); err != nil {
		return nil, err
	}
	return data, nil
}

// StreamReader provides sequential, seekable access to a stream.
type StreamReader struct {
	*io.SectionReader
}

// NewStreamReader creates a new reader for the given stream.
func NewStreamReader(s *Stream) *StreamReader {
	return &StreamReader{SectionReader: io.NewSectionReader(s, 0, int64(s.size))}
}

func minInt64(vals ...int64) int64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
