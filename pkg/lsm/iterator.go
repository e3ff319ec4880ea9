package lsm

import "bytes"

// StorageIterator is the cursor contract shared by every iterator of the
// engine. Key and Value are only defined while IsValid reports true; the
// returned slices must not be retained across Next.
type StorageIterator interface {
	Next() error
	Key() []byte
	Value() []byte
	IsValid() bool
}

type BoundKind uint8

const (
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound is one end of a key range.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

func UnboundedBound() Bound          { return Bound{Kind: Unbounded} }
func IncludedBound(key []byte) Bound { return Bound{Kind: Included, Key: key} }
func ExcludedBound(key []byte) Bound { return Bound{Kind: Excluded, Key: key} }

// aboveLower reports whether key satisfies the lower bound b.
func (b Bound) aboveLower(key []byte) bool {
	switch b.Kind {
	case Included:
		return bytes.Compare(key, b.Key) >= 0
	case Excluded:
		return bytes.Compare(key, b.Key) > 0
	}
	return true
}

// belowUpper reports whether key satisfies the upper bound b.
func (b Bound) belowUpper(key []byte) bool {
	switch b.Kind {
	case Included:
		return bytes.Compare(key, b.Key) <= 0
	case Excluded:
		return bytes.Compare(key, b.Key) < 0
	}
	return true
}

// rangeOverlap reports whether [lower, upper] can contain any key of a table
// spanning [first, last].
func rangeOverlap(lower, upper Bound, first, last []byte) bool {
	return upper.belowUpper(first) && lower.aboveLower(last)
}
