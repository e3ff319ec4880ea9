package lsm

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// SsTableBuilder streams sorted key/value pairs into blocks and lays out a
// table file.
type SsTableBuilder struct {
	builder   *BlockBuilder
	firstKey  []byte
	lastKey   []byte
	data      []byte
	blockMeta []BlockMeta
	blockSize int

	// keys feed the bloom filter at build time
	keys [][]byte
}

func NewSsTableBuilder(blockSize int) *SsTableBuilder {
	return &SsTableBuilder{
		builder:   NewBlockBuilder(blockSize),
		blockSize: blockSize,
	}
}

// Add expects keys in strictly ascending order.
func (b *SsTableBuilder) Add(key, value []byte) {
	if len(b.firstKey) == 0 {
		b.firstKey = append(b.firstKey[:0], key...)
	}
	b.keys = append(b.keys, append([]byte(nil), key...))
	if b.builder.Add(key, value) {
		b.lastKey = append(b.lastKey[:0], key...)
		return
	}

	b.finishBlock()
	if !b.builder.Add(key, value) {
		panic(errors.AssertionFailedf("table builder: empty block rejected an entry"))
	}
	b.firstKey = append(b.firstKey[:0], key...)
	b.lastKey = append(b.lastKey[:0], key...)
}

// EstimatedSize is the number of data bytes flushed so far.
func (b *SsTableBuilder) EstimatedSize() int64 { return int64(len(b.data)) }

func (b *SsTableBuilder) IsEmpty() bool {
	return len(b.blockMeta) == 0 && b.builder.IsEmpty()
}

func (b *SsTableBuilder) finishBlock() {
	if b.builder.IsEmpty() {
		return
	}
	blk := b.builder.Build()
	b.builder = NewBlockBuilder(b.blockSize)
	b.blockMeta = append(b.blockMeta, BlockMeta{
		Offset:   uint32(len(b.data)),
		FirstKey: b.firstKey,
		LastKey:  b.lastKey,
	})
	b.firstKey, b.lastKey = nil, nil
	b.data = append(b.data, blk.Encode()...)
}

// Build writes the table to path, fsyncs it and opens it for reading.
// A bloom filter sidecar is written next to it when fpRate > 0.
func (b *SsTableBuilder) Build(id uint32, cache *BlockCache, path string, fpRate float64) (*SsTable, error) {
	b.finishBlock()
	if len(b.blockMeta) == 0 {
		return nil, invalidArgumentf("table %d: no entries to build", id)
	}
	buf := b.data
	metaOffset := len(buf)
	buf = encodeBlockMeta(b.blockMeta, buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(metaOffset))

	var filter *BloomPolicy
	if fpRate > 0 {
		filter = newBloomPolicy(len(b.keys), fpRate)
		for _, k := range b.keys {
			filter.Add(k)
		}
		if err := writeFilterFile(filterPath(path), filter); err != nil {
			return nil, err
		}
	}

	file, err := createFileObject(path, buf)
	if err != nil {
		return nil, err
	}
	return &SsTable{
		file:            file,
		blockMeta:       b.blockMeta,
		blockMetaOffset: int64(metaOffset),
		id:              id,
		cache:           cache,
		filter:          filter,
		firstKey:        b.blockMeta[0].FirstKey,
		lastKey:         b.blockMeta[len(b.blockMeta)-1].LastKey,
	}, nil
}

func filterPath(tablePath string) string { return tablePath + ".filter" }
