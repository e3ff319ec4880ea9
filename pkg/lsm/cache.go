package lsm

import (
	"github.com/syndtr/goleveldb/leveldb/cache"
)

// BlockCache is shared by every table of an engine. Entries are keyed by
// (table id, block index): the table id is the cache namespace, so dropping a
// table evicts all of its blocks at once. Capacity is a byte budget.
type BlockCache struct {
	c *cache.Cache
}

func NewBlockCache(capacityBytes int) *BlockCache {
	return &BlockCache{c: cache.NewCache(cache.NewLRU(capacityBytes))}
}

// GetOrLoad returns the cached block or calls load on a miss and caches its
// result. Load errors are returned untouched and nothing is cached.
func (bc *BlockCache) GetOrLoad(tableID uint32, blockIdx int, load func() (*Block, error)) (*Block, error) {
	if h := bc.c.Get(uint64(tableID), uint64(blockIdx), nil); h != nil {
		blk := h.Value().(*Block)
		h.Release()
		return blk, nil
	}
	blk, err := load()
	if err != nil {
		return nil, err
	}
	h := bc.c.Get(uint64(tableID), uint64(blockIdx), func() (int, cache.Value) {
		return len(blk.data) + len(blk.offsets)*sizeOfU16, blk
	})
	if h != nil {
		// A concurrent loader may have won; either copy is identical.
		blk = h.Value().(*Block)
		h.Release()
	}
	return blk, nil
}

// EvictTable drops every cached block of a table.
func (bc *BlockCache) EvictTable(tableID uint32) {
	bc.c.EvictNS(uint64(tableID))
}

func (bc *BlockCache) Close() {
	bc.c.EvictAll()
}
