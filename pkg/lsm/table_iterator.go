package lsm

// SsTableIterator walks a table block by block through the block cache.
type SsTableIterator struct {
	table     *SsTable
	blockIter *BlockIterator
	blockIdx  int
}

func NewSsTableIteratorAndSeekToFirst(table *SsTable) (*SsTableIterator, error) {
	it := &SsTableIterator{table: table}
	if err := it.SeekToFirst(); err != nil {
		return nil, err
	}
	return it, nil
}

func NewSsTableIteratorAndSeekToKey(table *SsTable, key []byte) (*SsTableIterator, error) {
	it := &SsTableIterator{table: table}
	if err := it.SeekToKey(key); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *SsTableIterator) SeekToFirst() error {
	blk, err := it.table.ReadBlockCached(0)
	if err != nil {
		return err
	}
	it.blockIdx = 0
	it.blockIter = NewBlockIteratorAndSeekToFirst(blk)
	return nil
}

// SeekToKey lands on the first entry >= key, crossing into the next block
// when key sorts after everything in its owning block.
func (it *SsTableIterator) SeekToKey(key []byte) error {
	idx := it.table.FindBlockIdx(key)
	blk, err := it.table.ReadBlockCached(idx)
	if err != nil {
		return err
	}
	it.blockIdx = idx
	it.blockIter = NewBlockIteratorAndSeekToKey(blk, key)
	if !it.blockIter.IsValid() {
		return it.nextBlock()
	}
	return nil
}

func (it *SsTableIterator) nextBlock() error {
	it.blockIdx++
	if it.blockIdx >= it.table.NumBlocks() {
		it.blockIter = nil
		return nil
	}
	blk, err := it.table.ReadBlockCached(it.blockIdx)
	if err != nil {
		it.blockIter = nil
		return err
	}
	it.blockIter = NewBlockIteratorAndSeekToFirst(blk)
	return nil
}

func (it *SsTableIterator) Next() error {
	if it.blockIter == nil {
		return nil
	}
	it.blockIter.Next()
	if !it.blockIter.IsValid() {
		return it.nextBlock()
	}
	return nil
}

func (it *SsTableIterator) IsValid() bool {
	return it.blockIter != nil && it.blockIter.IsValid()
}

func (it *SsTableIterator) Key() []byte {
	if it.blockIter == nil {
		invalidAccess("table iterator key")
	}
	return it.blockIter.Key()
}

func (it *SsTableIterator) Value() []byte {
	if it.blockIter == nil {
		invalidAccess("table iterator value")
	}
	return it.blockIter.Value()
}
