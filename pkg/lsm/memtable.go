package lsm

import (
	"bytes"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/huandu/skiplist"
)

var errMemTableFrozen = errors.Mark(errors.New("memtable is frozen"), ErrClosed)

// MemTable is an in-memory ordered buffer of writes backed by a skiplist.
// A zero-length value is a tombstone. Entries are only ever superseded by
// newer writes of the same key, never removed.
type MemTable struct {
	mu   sync.RWMutex
	list *skiplist.SkipList
	id   uint32
	wal  *Wal
	// walPath survives closing the wal so the file can be removed on flush.
	walPath string
	// frozen memtables reject writes with errMemTableFrozen
	frozen bool

	// approximateSize sums key+value bytes of every write ever applied, so
	// overwrites make it overstate live data.
	approximateSize atomic.Int64
}

func compareKeys(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

func NewMemTable(id uint32) *MemTable {
	return &MemTable{
		list: skiplist.New(skiplist.GreaterThanFunc(compareKeys)),
		id:   id,
	}
}

// NewMemTableWithWal creates a memtable whose writes are logged to walPath.
func NewMemTableWithWal(id uint32, walPath, fsyncPolicy string) (*MemTable, error) {
	w, err := OpenWal(walPath, fsyncPolicy)
	if err != nil {
		return nil, err
	}
	m := NewMemTable(id)
	m.wal = w
	m.walPath = walPath
	return m, nil
}

// RecoverMemTable rebuilds a memtable from its WAL. The memtable keeps the
// file path but no open log: recovered memtables are immutable.
func RecoverMemTable(id uint32, walPath string) (*MemTable, error) {
	f, err := os.OpenFile(walPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioErrorf(err, "open wal %s", walPath)
	}
	defer f.Close()
	m := NewMemTable(id)
	m.walPath = walPath
	m.frozen = true
	if _, err := ReplayFile(f, func(rec *WalRecord) error {
		m.insert(rec.Key, rec.Value)
		return nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MemTable) insert(key, value []byte) {
	m.list.Set(append([]byte(nil), key...), append([]byte(nil), value...))
	m.approximateSize.Add(int64(len(key) + len(value)))
}

// Put logs and applies one write. An empty value records a deletion.
func (m *MemTable) Put(key, value []byte, sync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return errMemTableFrozen
	}
	if m.wal != nil {
		if err := m.wal.Append(&WalRecord{Key: key, Value: value}, sync); err != nil {
			return err
		}
	}
	m.insert(key, value)
	return nil
}

// Get returns the stored value, which is empty for a tombstone.
func (m *MemTable) Get(key []byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	elem := m.list.Get(key)
	if elem == nil {
		return nil, false
	}
	return elem.Value.([]byte), true
}

func (m *MemTable) ID() uint32 { return m.id }

func (m *MemTable) ApproximateSize() int64 { return m.approximateSize.Load() }

func (m *MemTable) NumEntries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

func (m *MemTable) IsEmpty() bool { return m.NumEntries() == 0 }

// Flush writes every entry, tombstones included, into the builder.
func (m *MemTable) Flush(b *SsTableBuilder) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for elem := m.list.Front(); elem != nil; elem = elem.Next() {
		b.Add(elem.Key().([]byte), elem.Value.([]byte))
	}
}

// freeze makes the memtable immutable and closes its log. Writes that race
// with the freeze either land before it, and are logged, or fail with
// errMemTableFrozen.
func (m *MemTable) freeze() error {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
	return m.closeWal()
}

func (m *MemTable) closeWal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wal == nil {
		return nil
	}
	err := m.wal.Close()
	m.wal = nil
	return err
}

// removeWal deletes the log once the memtable is durable in a table.
func (m *MemTable) removeWal() error {
	if err := m.closeWal(); err != nil {
		return err
	}
	if m.walPath == "" {
		return nil
	}
	if err := os.Remove(m.walPath); err != nil && !os.IsNotExist(err) {
		return ioErrorf(err, "remove wal %s", m.walPath)
	}
	return nil
}

// Scan returns an iterator over [lower, upper].
func (m *MemTable) Scan(lower, upper Bound) *MemTableIterator {
	it := &MemTableIterator{mt: m, upper: upper}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var elem *skiplist.Element
	switch lower.Kind {
	case Unbounded:
		elem = m.list.Front()
	case Included:
		elem = m.list.Find(lower.Key)
	case Excluded:
		elem = m.list.Find(lower.Key)
		if elem != nil && bytes.Equal(elem.Key().([]byte), lower.Key) {
			elem = elem.Next()
		}
	}
	it.load(elem)
	return it
}

// MemTableIterator holds no skiplist cursor. Each step looks up the first
// key greater than the last one returned, so the iterator stays valid while
// writers keep inserting into the memtable.
type MemTableIterator struct {
	mt    *MemTable
	upper Bound
	key   []byte
	value []byte
}

func (it *MemTableIterator) load(elem *skiplist.Element) {
	if elem == nil || !it.upper.belowUpper(elem.Key().([]byte)) {
		it.key, it.value = nil, nil
		return
	}
	it.key = elem.Key().([]byte)
	it.value = elem.Value.([]byte)
}

func (it *MemTableIterator) Next() error {
	if it.key == nil {
		return nil
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	elem := it.mt.list.Find(it.key)
	if elem != nil && bytes.Equal(elem.Key().([]byte), it.key) {
		elem = elem.Next()
	}
	it.load(elem)
	return nil
}

func (it *MemTableIterator) IsValid() bool { return it.key != nil }

func (it *MemTableIterator) Key() []byte {
	if it.key == nil {
		invalidAccess("memtable iterator key")
	}
	return it.key
}

func (it *MemTableIterator) Value() []byte {
	if it.key == nil {
		invalidAccess("memtable iterator value")
	}
	return it.value
}
