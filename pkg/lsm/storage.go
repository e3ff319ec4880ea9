package lsm

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

type levelTables struct {
	level int
	ids   []uint32
}

// storageState is never mutated once published. Every transition clones it,
// edits the clone and swaps the pointer, so a reader that grabbed the
// pointer keeps a consistent view for as long as it likes.
type storageState struct {
	memTable *MemTable
	// newest first
	immMemTables []*MemTable
	// newest first
	l0SsTables []uint32
	// levels[0] is L1; its tables are sorted by key and do not overlap
	levels   []levelTables
	sstables map[uint32]*SsTable
}

func newStorageState(mt *MemTable) *storageState {
	return &storageState{
		memTable: mt,
		levels:   []levelTables{{level: 1}},
		sstables: make(map[uint32]*SsTable),
	}
}

func (st *storageState) clone() *storageState {
	ns := &storageState{
		memTable:     st.memTable,
		immMemTables: slices.Clone(st.immMemTables),
		l0SsTables:   slices.Clone(st.l0SsTables),
		levels:       make([]levelTables, len(st.levels)),
		sstables:     make(map[uint32]*SsTable, len(st.sstables)),
	}
	for i, l := range st.levels {
		ns.levels[i] = levelTables{level: l.level, ids: slices.Clone(l.ids)}
	}
	for id, t := range st.sstables {
		ns.sstables[id] = t
	}
	return ns
}

// lsmStorage coordinates the memtables and tables of one directory.
type lsmStorage struct {
	// stateMu guards the state pointer only and is never held across I/O.
	stateMu sync.RWMutex
	state   *storageState
	// stateLock serialises freeze, flush and the publication of a compaction.
	stateLock sync.Mutex
	// compactMu keeps a single compaction in flight.
	compactMu sync.Mutex

	nextID atomic.Uint32
	opts   Options
	cache  *BlockCache
	log    *logrus.Entry

	// compaction inputs still reachable from old snapshots; closed on close
	retiredMu sync.Mutex
	retired   []*SsTable
}

var (
	reSST = regexp.MustCompile(`^L([01])-(\d{5})\.sst$`)
	reWAL = regexp.MustCompile(`^(\d{5})\.wal$`)
)

func sstPath(dir string, level int, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("L%d-%05d.sst", level, id))
}

func walPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%05d.wal", id))
}

/*
openStorage rebuilds the engine from a directory:
 1. tables named L0-xxxxx.sst / L1-xxxxx.sst are opened with their filters;
    overlapping L1 tables are searched like L0 until compacted again
 2. WAL files become immutable memtables, unless a table with the same id
    exists, in which case the memtable was already flushed
 3. a fresh active memtable gets the next free id
*/
func openStorage(opts Options) (*lsmStorage, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioErrorf(err, "create dir %s", opts.Dir)
	}
	s := &lsmStorage{
		opts:  opts,
		cache: NewBlockCache(opts.BlockCacheSize),
		log:   opts.Logger.WithField("dir", opts.Dir),
	}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, ioErrorf(err, "read dir %s", opts.Dir)
	}
	st := newStorageState(nil)
	var maxID uint32
	var l0, l1, wals []uint32
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), tmpSuffix) {
			// a table whose write never completed
			path := filepath.Join(opts.Dir, ent.Name())
			if err := os.Remove(path); err != nil {
				return nil, ioErrorf(err, "remove partial table %s", path)
			}
			continue
		}
		if m := reSST.FindStringSubmatch(ent.Name()); m != nil {
			id64, _ := strconv.ParseUint(m[2], 10, 32)
			id := uint32(id64)
			if m[1] == "0" {
				l0 = append(l0, id)
			} else {
				l1 = append(l1, id)
			}
			maxID = max(maxID, id)
			continue
		}
		if m := reWAL.FindStringSubmatch(ent.Name()); m != nil {
			id64, _ := strconv.ParseUint(m[1], 10, 32)
			wals = append(wals, uint32(id64))
			maxID = max(maxID, uint32(id64))
		}
	}

	fail := func(err error) (*lsmStorage, error) {
		for _, t := range st.sstables {
			_ = t.Close()
		}
		return nil, err
	}
	for _, level := range []struct {
		n   int
		ids []uint32
	}{{0, l0}, {1, l1}} {
		for _, id := range level.ids {
			t, err := s.openTable(level.n, id)
			if err != nil {
				return fail(err)
			}
			st.sstables[id] = t
		}
	}
	slices.SortFunc(l0, func(a, b uint32) int { return cmp.Compare(b, a) })
	slices.SortFunc(l1, func(a, b uint32) int {
		return bytes.Compare(st.sstables[a].FirstKey(), st.sstables[b].FirstKey())
	})
	demoted := levelOverlaps(l1, st.sstables)
	if demoted {
		// A compaction stopped while removing its inputs. Its outputs carry
		// the newest ids and the merged data, so searching L1 newest first,
		// after the real L0, answers every read correctly.
		slices.SortFunc(l1, func(a, b uint32) int { return cmp.Compare(b, a) })
		l0 = append(l0, l1...)
		l1 = nil
	}
	st.l0SsTables = l0
	st.levels[0].ids = l1

	slices.SortFunc(wals, func(a, b uint32) int { return cmp.Compare(b, a) })
	for _, id := range wals {
		path := walPath(opts.Dir, id)
		if _, flushed := st.sstables[id]; flushed {
			// crashed between writing the table and removing the log
			if err := os.Remove(path); err != nil {
				return fail(ioErrorf(err, "remove stale wal %s", path))
			}
			continue
		}
		if !opts.EnableWAL {
			s.log.WithField("wal", path).Warn("wal disabled, leaving log file untouched")
			continue
		}
		mt, err := RecoverMemTable(id, path)
		if err != nil {
			return fail(err)
		}
		if mt.IsEmpty() {
			if err := mt.removeWal(); err != nil {
				return fail(err)
			}
			continue
		}
		st.immMemTables = append(st.immMemTables, mt)
	}

	s.nextID.Store(maxID + 1)
	mt, err := s.newMemTable(s.nextSstID())
	if err != nil {
		return fail(err)
	}
	st.memTable = mt
	s.state = st

	s.log.WithFields(logrus.Fields{
		"l0":       len(st.l0SsTables),
		"l1":       len(st.levels[0].ids),
		"memtable": len(st.immMemTables),
	}).Info("storage opened")

	if demoted {
		s.log.Warn("overlapping L1 tables found, compacting")
		if err := s.forceFullCompaction(); err != nil {
			s.log.WithError(err).Warn("compaction on open failed, overlapping tables stay in L0")
		}
	}
	return s, nil
}

// levelOverlaps reports whether tables sorted by first key overlap.
func levelOverlaps(ids []uint32, tables map[uint32]*SsTable) bool {
	for i := 1; i < len(ids); i++ {
		if bytes.Compare(tables[ids[i-1]].LastKey(), tables[ids[i]].FirstKey()) >= 0 {
			return true
		}
	}
	return false
}

func (s *lsmStorage) openTable(level int, id uint32) (*SsTable, error) {
	path := sstPath(s.opts.Dir, level, id)
	file, err := OpenFileObject(path)
	if err != nil {
		return nil, err
	}
	t, err := OpenSsTable(id, s.cache, file)
	if err != nil {
		_ = file.file.Close()
		return nil, err
	}
	filter, err := loadFilterFile(filterPath(path), s.opts.BloomFpRate)
	if err != nil {
		s.log.WithError(err).WithField("sst", id).Warn("ignoring unreadable bloom filter")
		filter = nil
	}
	t.filter = filter
	return t, nil
}

func (s *lsmStorage) newMemTable(id uint32) (*MemTable, error) {
	if !s.opts.EnableWAL {
		return NewMemTable(id), nil
	}
	return NewMemTableWithWal(id, walPath(s.opts.Dir, id), s.opts.FsyncPolicy)
}

func (s *lsmStorage) nextSstID() uint32 { return s.nextID.Add(1) - 1 }

func (s *lsmStorage) snapshot() *storageState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// get looks a key up newest to oldest; the first version found wins and a
// tombstone reads as absent.
func (s *lsmStorage) get(key []byte) ([]byte, bool, error) {
	st := s.snapshot()

	if v, ok := st.memTable.Get(key); ok {
		return liveValue(v)
	}
	for _, imm := range st.immMemTables {
		if v, ok := imm.Get(key); ok {
			return liveValue(v)
		}
	}
	for _, id := range st.l0SsTables {
		v, ok, err := tableGet(st.sstables[id], key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return liveValue(v)
		}
	}
	for _, level := range st.levels {
		ids := level.ids
		// first table whose last key is >= key
		i, _ := slices.BinarySearchFunc(ids, key, func(id uint32, k []byte) int {
			return bytes.Compare(st.sstables[id].LastKey(), k)
		})
		if i == len(ids) {
			continue
		}
		v, ok, err := tableGet(st.sstables[ids[i]], key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return liveValue(v)
		}
	}
	return nil, false, nil
}

func liveValue(v []byte) ([]byte, bool, error) {
	if len(v) == 0 {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// tableGet reports ok for tombstones too, so the caller stops searching.
// The returned value aliases the block.
func tableGet(t *SsTable, key []byte) ([]byte, bool, error) {
	if bytes.Compare(key, t.FirstKey()) < 0 || bytes.Compare(key, t.LastKey()) > 0 {
		return nil, false, nil
	}
	if !t.MayContain(key) {
		return nil, false, nil
	}
	it, err := NewSsTableIteratorAndSeekToKey(t, key)
	if err != nil {
		return nil, false, err
	}
	if !it.IsValid() || !bytes.Equal(it.Key(), key) {
		return nil, false, nil
	}
	return it.Value(), true, nil
}

// Keys and values are stored with u16 length prefixes.
const maxEntryLen = math.MaxUint16

func (s *lsmStorage) put(key, value []byte, sync bool) error {
	if len(key) == 0 {
		return invalidArgumentf("put: empty key")
	}
	if len(key) > maxEntryLen {
		return invalidArgumentf("put: key of %d bytes exceeds %d", len(key), maxEntryLen)
	}
	if len(value) == 0 {
		return invalidArgumentf("put: empty value is reserved for deletes")
	}
	if len(value) > maxEntryLen {
		return invalidArgumentf("put: value of %d bytes exceeds %d", len(value), maxEntryLen)
	}
	return s.write(key, value, sync)
}

func (s *lsmStorage) delete(key []byte, sync bool) error {
	if len(key) == 0 {
		return invalidArgumentf("delete: empty key")
	}
	if len(key) > maxEntryLen {
		return invalidArgumentf("delete: key of %d bytes exceeds %d", len(key), maxEntryLen)
	}
	return s.write(key, nil, sync)
}

// write applies one entry to the active memtable. A memtable frozen between
// loading it and writing to it rejects the write, which is then retried
// against its successor.
func (s *lsmStorage) write(key, value []byte, sync bool) error {
	for {
		mt := s.snapshot().memTable
		err := mt.Put(key, value, sync)
		if errors.Is(err, errMemTableFrozen) {
			continue
		}
		if err != nil {
			return err
		}
		return s.tryFreeze(mt.ApproximateSize())
	}
}

// tryFreeze freezes the active memtable when observedSize is over the
// threshold. Concurrent writers may all observe the same full memtable, so
// the size is checked again under the transition lock.
func (s *lsmStorage) tryFreeze(observedSize int64) error {
	if observedSize <= s.opts.TargetSstSize {
		return nil
	}
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.snapshot().memTable.ApproximateSize() <= s.opts.TargetSstSize {
		return nil
	}
	return s.freezeLocked()
}

func (s *lsmStorage) forceFreezeMemTable() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.freezeLocked()
}

// freezeLocked requires stateLock.
func (s *lsmStorage) freezeLocked() error {
	mt, err := s.newMemTable(s.nextSstID())
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	old := s.state.memTable
	ns := s.state.clone()
	ns.immMemTables = slices.Insert(ns.immMemTables, 0, old)
	ns.memTable = mt
	s.state = ns
	s.stateMu.Unlock()

	// Writers that loaded old before the swap are turned away from here on.
	if err := old.freeze(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"memtable": old.ID(),
		"size":     old.ApproximateSize(),
	}).Debug("memtable frozen")
	return nil
}

func (s *lsmStorage) numImmMemTables() int { return len(s.snapshot().immMemTables) }

// scan merges every memtable and table overlapping [lower, upper], newest
// source first.
func (s *lsmStorage) scan(lower, upper Bound) (*FusedIterator, error) {
	st := s.snapshot()

	iters := make([]StorageIterator, 0, 1+len(st.immMemTables)+len(st.l0SsTables))
	iters = append(iters, st.memTable.Scan(lower, upper))
	for _, imm := range st.immMemTables {
		iters = append(iters, imm.Scan(lower, upper))
	}
	tableIDs := slices.Clone(st.l0SsTables)
	for _, level := range st.levels {
		tableIDs = append(tableIDs, level.ids...)
	}
	for _, id := range tableIDs {
		t := st.sstables[id]
		if !rangeOverlap(lower, upper, t.FirstKey(), t.LastKey()) {
			continue
		}
		it, err := seekTable(t, lower)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}

	lsm, err := NewLsmIterator(NewMergeIterator(iters), upper)
	if err != nil {
		return nil, err
	}
	return NewFusedIterator(lsm), nil
}

func seekTable(t *SsTable, lower Bound) (*SsTableIterator, error) {
	switch lower.Kind {
	case Included:
		return NewSsTableIteratorAndSeekToKey(t, lower.Key)
	case Excluded:
		it, err := NewSsTableIteratorAndSeekToKey(t, lower.Key)
		if err != nil {
			return nil, err
		}
		if it.IsValid() && bytes.Equal(it.Key(), lower.Key) {
			if err := it.Next(); err != nil {
				return nil, err
			}
		}
		return it, nil
	default:
		return NewSsTableIteratorAndSeekToFirst(t)
	}
}

// forceFlushNextImmMemTable writes the oldest immutable memtable to the
// front of L0 and drops its log.
func (s *lsmStorage) forceFlushNextImmMemTable() error {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	st := s.snapshot()
	if len(st.immMemTables) == 0 {
		return nil
	}
	imm := st.immMemTables[len(st.immMemTables)-1]

	var table *SsTable
	if !imm.IsEmpty() {
		b := NewSsTableBuilder(s.opts.BlockSize)
		imm.Flush(b)
		var err error
		table, err = b.Build(imm.ID(), s.cache, sstPath(s.opts.Dir, 0, imm.ID()), s.opts.BloomFpRate)
		if err != nil {
			return err
		}
		if err := syncDir(s.opts.Dir); err != nil {
			return err
		}
	}

	s.stateMu.Lock()
	ns := s.state.clone()
	ns.immMemTables = ns.immMemTables[:len(ns.immMemTables)-1]
	if table != nil {
		ns.l0SsTables = slices.Insert(ns.l0SsTables, 0, table.ID())
		ns.sstables[table.ID()] = table
	}
	s.state = ns
	s.stateMu.Unlock()

	if err := imm.removeWal(); err != nil {
		return err
	}
	entry := s.log.WithField("memtable", imm.ID())
	if table != nil {
		entry = entry.WithFields(logrus.Fields{"sst": table.ID(), "bytes": table.TableSize()})
	}
	entry.Info("memtable flushed to L0")
	return nil
}

// forceFullCompaction rewrites every L0 and L1 table into a fresh,
// tombstone-free L1. Outputs are built without stateLock, so flushes keep
// running; only the publication of the new state takes it.
func (s *lsmStorage) forceFullCompaction() error {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	st := s.snapshot()
	inputs := slices.Clone(st.l0SsTables)
	for _, level := range st.levels {
		inputs = append(inputs, level.ids...)
	}
	if len(inputs) == 0 {
		return nil
	}

	outputs, err := s.compactTables(st, inputs)
	if err != nil {
		for _, t := range outputs {
			_ = t.Close()
			removeTableFiles(t.Path(), s.log)
		}
		s.log.WithError(err).WithField("outputs", len(outputs)).Warn("full compaction failed")
		return err
	}

	compacted := bitset.New(uint(s.nextID.Load()))
	for _, id := range inputs {
		compacted.Set(uint(id))
	}
	s.stateLock.Lock()
	s.stateMu.Lock()
	ns := s.state.clone()
	// tables flushed meanwhile are not inputs and stay in L0
	ns.l0SsTables = slices.DeleteFunc(ns.l0SsTables, func(id uint32) bool { return compacted.Test(uint(id)) })
	for _, id := range inputs {
		delete(ns.sstables, id)
	}
	ns.levels[0].ids = ns.levels[0].ids[:0]
	for _, t := range outputs {
		ns.levels[0].ids = append(ns.levels[0].ids, t.ID())
		ns.sstables[t.ID()] = t
	}
	s.state = ns
	s.stateMu.Unlock()
	s.stateLock.Unlock()

	// L1 inputs go first. Until the last L0 input is gone, a crash leaves
	// L0 tables on disk that shadow any L1 input still lying around, and
	// reopening sorts the overlap out.
	removal := slices.Clone(inputs)
	slices.SortStableFunc(removal, func(a, b uint32) int {
		return cmp.Compare(tableLevel(st.sstables[b]), tableLevel(st.sstables[a]))
	})
	s.retiredMu.Lock()
	for _, id := range removal {
		t := st.sstables[id]
		s.cache.EvictTable(id)
		removeTableFiles(t.Path(), s.log.WithField("sst", id))
		s.retired = append(s.retired, t)
	}
	s.retiredMu.Unlock()

	s.log.WithFields(logrus.Fields{
		"inputs":  len(inputs),
		"outputs": len(outputs),
	}).Info("full compaction finished")
	return nil
}

// compactTables merges inputs, newest first, into L1 tables of roughly
// TargetSstSize. On error the outputs built so far are returned for cleanup.
func (s *lsmStorage) compactTables(st *storageState, inputs []uint32) ([]*SsTable, error) {
	iters := make([]StorageIterator, 0, len(inputs))
	for _, id := range inputs {
		it, err := NewSsTableIteratorAndSeekToFirst(st.sstables[id])
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}
	merged := NewMergeIterator(iters)

	var (
		outputs []*SsTable
		builder *SsTableBuilder
	)
	cut := func() error {
		id := s.nextSstID()
		t, err := builder.Build(id, s.cache, sstPath(s.opts.Dir, 1, id), s.opts.BloomFpRate)
		if err != nil {
			removeTableFiles(sstPath(s.opts.Dir, 1, id), s.log)
			return err
		}
		outputs = append(outputs, t)
		builder = nil
		return nil
	}
	for merged.IsValid() {
		if len(merged.Value()) > 0 {
			if builder == nil {
				builder = NewSsTableBuilder(s.opts.BlockSize)
			}
			builder.Add(merged.Key(), merged.Value())
			if builder.EstimatedSize() >= s.opts.TargetSstSize {
				if err := cut(); err != nil {
					return outputs, err
				}
			}
		}
		if err := merged.Next(); err != nil {
			return outputs, err
		}
	}
	if builder != nil && !builder.IsEmpty() {
		if err := cut(); err != nil {
			return outputs, err
		}
	}
	if err := syncDir(s.opts.Dir); err != nil {
		return outputs, err
	}
	return outputs, nil
}

func tableLevel(t *SsTable) int {
	if m := reSST.FindStringSubmatch(filepath.Base(t.Path())); m != nil && m[1] == "1" {
		return 1
	}
	return 0
}

// removeTableFiles deletes a table and its filter sidecar, logging failures.
func removeTableFiles(path string, log *logrus.Entry) {
	for _, p := range []string{path, filterPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("file", p).Warn("failed to remove table file")
		}
	}
}

type Stats struct {
	MemTableSize    int64
	ImmMemTables    int
	L0Tables        int
	L1Tables        int
	NextTableID     uint32
	FilterFillRatio float64 // mean over tables that carry a filter
}

func (s *lsmStorage) stats() Stats {
	st := s.snapshot()
	out := Stats{
		MemTableSize: st.memTable.ApproximateSize(),
		ImmMemTables: len(st.immMemTables),
		L0Tables:     len(st.l0SsTables),
		L1Tables:     len(st.levels[0].ids),
		NextTableID:  s.nextID.Load(),
	}
	var n int
	for _, t := range st.sstables {
		if f := t.Filter(); f != nil {
			out.FilterFillRatio += f.FillRatio()
			n++
		}
	}
	if n > 0 {
		out.FilterFillRatio /= float64(n)
	}
	return out
}

// close persists what the WAL would otherwise have to recover and releases
// every file handle.
func (s *lsmStorage) close() error {
	if !s.opts.EnableWAL {
		if !s.snapshot().memTable.IsEmpty() {
			if err := s.forceFreezeMemTable(); err != nil {
				return err
			}
		}
		for s.numImmMemTables() > 0 {
			if err := s.forceFlushNextImmMemTable(); err != nil {
				return err
			}
		}
	}

	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	st := s.snapshot()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(st.memTable.closeWal())
	for _, imm := range st.immMemTables {
		keep(imm.closeWal())
	}
	for _, t := range st.sstables {
		keep(t.Close())
	}
	s.retiredMu.Lock()
	for _, t := range s.retired {
		keep(t.Close())
	}
	s.retired = nil
	s.retiredMu.Unlock()
	s.cache.Close()
	return firstErr
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioErrorf(err, "open dir %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return ioErrorf(err, "sync dir %s", dir)
	}
	return nil
}
