package lsm

// LsmIterator hides tombstones and everything past the scan's upper bound.
type LsmIterator struct {
	inner   StorageIterator
	upper   Bound
	isValid bool
}

func NewLsmIterator(inner StorageIterator, upper Bound) (*LsmIterator, error) {
	it := &LsmIterator{inner: inner, upper: upper}
	it.isValid = it.checkBound()
	if err := it.moveToNonDelete(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *LsmIterator) checkBound() bool {
	return it.inner.IsValid() && it.upper.belowUpper(it.inner.Key())
}

func (it *LsmIterator) next() error {
	if err := it.inner.Next(); err != nil {
		return err
	}
	it.isValid = it.checkBound()
	return nil
}

func (it *LsmIterator) moveToNonDelete() error {
	for it.isValid && len(it.inner.Value()) == 0 {
		if err := it.next(); err != nil {
			return err
		}
	}
	return nil
}

func (it *LsmIterator) Next() error {
	if err := it.next(); err != nil {
		return err
	}
	return it.moveToNonDelete()
}

func (it *LsmIterator) IsValid() bool { return it.isValid }

func (it *LsmIterator) Key() []byte {
	if !it.isValid {
		invalidAccess("lsm iterator key")
	}
	return it.inner.Key()
}

func (it *LsmIterator) Value() []byte {
	if !it.isValid {
		invalidAccess("lsm iterator value")
	}
	return it.inner.Value()
}

// FusedIterator guards an iterator: once Next fails it stays tainted and
// refuses to move, and reading an invalid or tainted iterator panics.
type FusedIterator struct {
	iter       StorageIterator
	hasErrored bool
}

func NewFusedIterator(iter StorageIterator) *FusedIterator {
	return &FusedIterator{iter: iter}
}

func (f *FusedIterator) Next() error {
	if f.hasErrored {
		return ErrTaintedIterator
	}
	if !f.iter.IsValid() {
		return nil
	}
	if err := f.iter.Next(); err != nil {
		f.hasErrored = true
		return err
	}
	return nil
}

func (f *FusedIterator) IsValid() bool { return !f.hasErrored && f.iter.IsValid() }

func (f *FusedIterator) Key() []byte {
	if !f.IsValid() {
		invalidAccess("fused iterator key")
	}
	return f.iter.Key()
}

func (f *FusedIterator) Value() []byte {
	if !f.IsValid() {
		invalidAccess("fused iterator value")
	}
	return f.iter.Value()
}
