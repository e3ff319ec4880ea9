package lsm

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// BlockBuilder accumulates sorted key/value pairs into a Block under a byte budget.
type BlockBuilder struct {
	data      []byte
	offsets   []uint16
	blockSize int
}

func NewBlockBuilder(blockSize int) *BlockBuilder {
	return &BlockBuilder{blockSize: blockSize}
}

func (b *BlockBuilder) estimatedSize() int {
	return len(b.data) + len(b.offsets)*sizeOfU16 + sizeOfU16
}

// Add appends an entry and reports whether it fit the budget. The first entry
// of a block is always accepted so oversized pairs still make progress.
func (b *BlockBuilder) Add(key, value []byte) bool {
	if len(key) > math.MaxUint16 || len(value) > math.MaxUint16 {
		panic(errors.AssertionFailedf("block builder: entry of %d+%d bytes overflows u16 lengths", len(key), len(value)))
	}
	entrySize := sizeOfU16 + len(key) + sizeOfU16 + len(value)
	if !b.IsEmpty() && b.estimatedSize()+entrySize+sizeOfU16 > b.blockSize {
		return false
	}
	b.offsets = append(b.offsets, uint16(len(b.data)))
	b.data = binary.BigEndian.AppendUint16(b.data, uint16(len(key)))
	b.data = append(b.data, key...)
	b.data = binary.BigEndian.AppendUint16(b.data, uint16(len(value)))
	b.data = append(b.data, value...)
	return true
}

func (b *BlockBuilder) IsEmpty() bool { return len(b.offsets) == 0 }

// Build finalizes the block. Building an empty block is a caller bug.
func (b *BlockBuilder) Build() *Block {
	if b.IsEmpty() {
		panic(errors.AssertionFailedf("block builder: build called on an empty block"))
	}
	return &Block{data: b.data, offsets: b.offsets}
}
