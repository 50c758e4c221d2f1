// Package msftest builds small MSF 7.00 images for tests.
package msftest

import (
	"bytes"
	"encoding/binary"
)

var magic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// Unused marks a deleted stream.
var Unused []byte

// Build lays out streams in an MSF image with the given block size. A nil
// stream is written as deleted; an empty non-nil stream has size zero.
func Build(blockSize uint32, streams [][]byte) []byte {
	bs := int(blockSize)
	// Superblock and the two free block maps.
	blocks := [][]byte{make([]byte, bs), make([]byte, bs), make([]byte, bs)}
	alloc := func(data []byte) []uint32 {
		var idx []uint32
		for off := 0; off < len(data); off += bs {
			blk := make([]byte, bs)
			copy(blk, data[off:min(off+bs, len(data))])
			idx = append(idx, uint32(len(blocks)))
			blocks = append(blocks, blk)
		}
		return idx
	}

	var lists [][]uint32
	for _, s := range streams {
		lists = append(lists, alloc(s))
	}

	var dir bytes.Buffer
	put(&dir, uint32(len(streams)))
	for _, s := range streams {
		if s == nil {
			put(&dir, uint32(0xFFFFFFFF))
			continue
		}
		put(&dir, uint32(len(s)))
	}
	for _, l := range lists {
		put(&dir, l)
	}
	dirBlocks := alloc(dir.Bytes())

	var blockMap bytes.Buffer
	put(&blockMap, dirBlocks)
	mapAddr := alloc(blockMap.Bytes())[0]

	var sb bytes.Buffer
	sb.Write(magic)
	put(&sb, blockSize)
	put(&sb, uint32(1))
	put(&sb, uint32(len(blocks)))
	put(&sb, uint32(dir.Len()))
	put(&sb, uint32(0))
	put(&sb, mapAddr)
	copy(blocks[0], sb.Bytes())

	return bytes.Join(blocks, nil)
}

func put(b *bytes.Buffer, v interface{}) {
	if err := binary.Write(b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}
