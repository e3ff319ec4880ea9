package lsm

import (
	"bytes"
	"container/heap"
)

// heapItem pairs a source iterator with its priority; a lower index is a more
// recent source and wins ties on equal keys.
type heapItem struct {
	idx  int
	iter StorageIterator
}

type iterHeap []*heapItem

func (h iterHeap) Len() int { return len(h) }

func (h iterHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].iter.Key(), h[j].iter.Key()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iterHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// MergeIterator merges sorted sources into one ascending stream without
// duplicate keys. For a key held by several sources the value of the source
// with the lowest index is emitted.
type MergeIterator struct {
	iters   iterHeap
	current *heapItem
}

func NewMergeIterator(iters []StorageIterator) *MergeIterator {
	m := &MergeIterator{}
	if len(iters) == 0 {
		return m
	}
	for i, it := range iters {
		if it.IsValid() {
			m.iters = append(m.iters, &heapItem{idx: i, iter: it})
		}
	}
	if len(m.iters) == 0 {
		// Keep an exhausted source as current so IsValid needs no special case.
		m.current = &heapItem{idx: 0, iter: iters[0]}
		return m
	}
	heap.Init(&m.iters)
	m.current = heap.Pop(&m.iters).(*heapItem)
	return m
}

func (m *MergeIterator) IsValid() bool {
	return m.current != nil && m.current.iter.IsValid()
}

func (m *MergeIterator) Key() []byte {
	if m.current == nil {
		invalidAccess("merge iterator key")
	}
	return m.current.iter.Key()
}

func (m *MergeIterator) Value() []byte {
	if m.current == nil {
		invalidAccess("merge iterator value")
	}
	return m.current.iter.Value()
}

func (m *MergeIterator) Next() error {
	cur := m.current
	if cur == nil {
		return nil
	}
	// Skip stale versions of the current key; equal keys sit at the heap top.
	for len(m.iters) > 0 {
		top := m.iters[0]
		if !bytes.Equal(top.iter.Key(), cur.iter.Key()) {
			break
		}
		if err := top.iter.Next(); err != nil {
			heap.Pop(&m.iters)
			return err
		}
		if !top.iter.IsValid() {
			heap.Pop(&m.iters)
		} else {
			heap.Fix(&m.iters, 0)
		}
	}

	if err := cur.iter.Next(); err != nil {
		return err
	}
	if !cur.iter.IsValid() {
		if len(m.iters) > 0 {
			m.current = heap.Pop(&m.iters).(*heapItem)
		}
		return nil
	}
	// Another source may now hold a smaller key than the advanced current.
	if len(m.iters) > 0 && m.less(m.iters[0], cur) {
		heap.Push(&m.iters, cur)
		m.current = heap.Pop(&m.iters).(*heapItem)
	}
	return nil
}

func (m *MergeIterator) less(a, b *heapItem) bool {
	if c := bytes.Compare(a.iter.Key(), b.iter.Key()); c != 0 {
		return c < 0
	}
	return a.idx < b.idx
}

// NumActiveIterators counts sources that still have entries.
func (m *MergeIterator) NumActiveIterators() int {
	n := len(m.iters)
	if m.IsValid() {
		n++
	}
	return n
}
