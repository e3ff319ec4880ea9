package lsm

import "bytes"

// BlockIterator is a positional cursor over one Block. An empty key means
// the iterator is exhausted.
type BlockIterator struct {
	block      *Block
	key        []byte
	valueRange [2]int
	idx        int
}

func NewBlockIteratorAndSeekToFirst(block *Block) *BlockIterator {
	it := &BlockIterator{block: block}
	it.SeekToFirst()
	return it
}

func NewBlockIteratorAndSeekToKey(block *Block, key []byte) *BlockIterator {
	it := &BlockIterator{block: block}
	it.SeekToKey(key)
	return it
}

func (it *BlockIterator) seekTo(idx int) {
	it.idx = idx
	if idx >= len(it.block.offsets) {
		it.key = it.key[:0]
		it.valueRange = [2]int{}
		return
	}
	// Blocks are validated on decode, so the entry is well formed here.
	key, vr, _ := it.block.entryAt(idx)
	it.key = append(it.key[:0], key...)
	it.valueRange = vr
}

func (it *BlockIterator) SeekToFirst() { it.seekTo(0) }

// SeekToKey positions the iterator at the first entry whose key is >= key,
// or invalidates it when every stored key is smaller.
func (it *BlockIterator) SeekToKey(key []byte) {
	low, high := 0, len(it.block.offsets)
	for low < high {
		mid := low + (high-low)/2
		it.seekTo(mid)
		switch bytes.Compare(it.key, key) {
		case -1:
			low = mid + 1
		case 1:
			high = mid
		default:
			return
		}
	}
	it.seekTo(low)
}

func (it *BlockIterator) Next() {
	it.seekTo(it.idx + 1)
}

func (it *BlockIterator) IsValid() bool { return len(it.key) > 0 }

func (it *BlockIterator) Key() []byte {
	if !it.IsValid() {
		invalidAccess("block iterator key")
	}
	return it.key
}

func (it *BlockIterator) Value() []byte {
	if !it.IsValid() {
		invalidAccess("block iterator value")
	}
	return it.block.data[it.valueRange[0]:it.valueRange[1]]
}
