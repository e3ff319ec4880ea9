package lsm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t testing.TB) Options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	opts := DefaultOptions()
	opts.Dir = t.TempDir()
	opts.FsyncPolicy = "none"
	opts.Logger = logger
	return opts
}

func openTestStorage(t *testing.T, opts Options) *lsmStorage {
	t.Helper()
	s, err := openStorage(opts)
	require.NoError(t, err)
	return s
}

func flushAll(t *testing.T, s *lsmStorage) {
	t.Helper()
	if !s.snapshot().memTable.IsEmpty() {
		require.NoError(t, s.forceFreezeMemTable())
	}
	for s.numImmMemTables() > 0 {
		require.NoError(t, s.forceFlushNextImmMemTable())
	}
}

func scanAll(t *testing.T, s *lsmStorage, lower, upper Bound) []kv {
	t.Helper()
	it, err := s.scan(lower, upper)
	require.NoError(t, err)
	return drain(t, it)
}

func requireGet(t *testing.T, s *lsmStorage, key, want string) {
	t.Helper()
	v, ok, err := s.get([]byte(key))
	require.NoError(t, err)
	if want == "" {
		assert.False(t, ok, "key %s should be absent, got %q", key, v)
		return
	}
	require.True(t, ok, "key %s should be present", key)
	assert.Equal(t, want, string(v))
}

func TestStoragePutGetDelete(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	require.NoError(t, s.put([]byte("b"), []byte("2"), false))
	requireGet(t, s, "a", "1")
	requireGet(t, s, "b", "2")
	requireGet(t, s, "c", "")

	require.NoError(t, s.put([]byte("a"), []byte("11"), false))
	requireGet(t, s, "a", "11")
	require.NoError(t, s.delete([]byte("a"), false))
	requireGet(t, s, "a", "")
	// deleting an absent key is fine
	require.NoError(t, s.delete([]byte("zz"), false))
}

func TestStorageRejectsInvalidWrites(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	for _, err := range []error{
		s.put(nil, []byte("v"), false),
		s.put([]byte("k"), nil, false),
		s.put([]byte("k"), []byte{}, false),
		s.delete([]byte{}, false),
	} {
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	}
	assert.True(t, s.snapshot().memTable.IsEmpty())
}

func TestStoragePutFreezePutScan(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("k"), []byte("v1"), false))
	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.put([]byte("k"), []byte("v2"), false))

	assert.Equal(t, []kv{{"k", "v2"}}, scanAll(t, s, UnboundedBound(), UnboundedBound()))
	requireGet(t, s, "k", "v2")
}

func TestStorageGetAcrossMemTables(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	require.NoError(t, s.put([]byte("b"), []byte("1"), false))
	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.delete([]byte("a"), false))
	require.NoError(t, s.put([]byte("c"), []byte("2"), false))
	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.put([]byte("b"), []byte("3"), false))

	st := s.snapshot()
	require.Len(t, st.immMemTables, 2)
	assert.Greater(t, st.immMemTables[0].ID(), st.immMemTables[1].ID(), "newest first")

	requireGet(t, s, "a", "")
	requireGet(t, s, "b", "3")
	requireGet(t, s, "c", "2")
	assert.Equal(t, []kv{{"b", "3"}, {"c", "2"}}, scanAll(t, s, UnboundedBound(), UnboundedBound()))
}

func TestStorageSnapshotIsolationForScans(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	it, err := s.scan(UnboundedBound(), UnboundedBound())
	require.NoError(t, err)

	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.put([]byte("b"), []byte("2"), false))

	// the scan still sees the memtables it started with
	assert.Equal(t, []kv{{"a", "1"}}, drain(t, it))
}

func TestStorageTryFreeze(t *testing.T) {
	opts := testOptions(t)
	opts.TargetSstSize = 10
	s := openTestStorage(t, opts)
	defer s.close()

	require.NoError(t, s.put([]byte("k1"), []byte("01234567"), false))
	assert.Equal(t, 0, s.numImmMemTables(), "exactly at the threshold is not over it")

	require.NoError(t, s.put([]byte("k2"), []byte("x"), false))
	assert.Equal(t, 1, s.numImmMemTables())
	assert.True(t, s.snapshot().memTable.IsEmpty())

	// stale observation: the memtable it refers to is already frozen
	require.NoError(t, s.tryFreeze(1000))
	assert.Equal(t, 1, s.numImmMemTables())
}

func TestStorageConcurrentFreeze(t *testing.T) {
	opts := testOptions(t)
	opts.TargetSstSize = 200
	s := openTestStorage(t, opts)
	defer s.close()

	const writers, perWriter = 8, 300
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				if err := s.put(key, []byte("0123456789"), false); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	st := s.snapshot()
	require.NotEmpty(t, st.immMemTables)
	total := st.memTable.NumEntries()
	for _, imm := range st.immMemTables {
		assert.Greater(t, imm.ApproximateSize(), opts.TargetSstSize, "memtable %d frozen below threshold", imm.ID())
		total += imm.NumEntries()
	}
	assert.Equal(t, writers*perWriter, total)

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i += 37 {
			requireGet(t, s, fmt.Sprintf("w%d-%04d", w, i), "0123456789")
		}
	}
}

func TestStorageFlushToL0(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("x"), []byte("1"), false))
	require.NoError(t, s.put([]byte("y"), []byte("1"), false))
	flushAll(t, s)
	require.NoError(t, s.delete([]byte("x"), false))
	require.NoError(t, s.put([]byte("z"), []byte("2"), false))
	flushAll(t, s)

	st := s.snapshot()
	assert.Empty(t, st.immMemTables)
	require.Len(t, st.l0SsTables, 2)
	assert.Greater(t, st.l0SsTables[0], st.l0SsTables[1], "newest first")

	requireGet(t, s, "x", "")
	requireGet(t, s, "y", "1")
	requireGet(t, s, "z", "2")
	assert.Equal(t, []kv{{"y", "1"}, {"z", "2"}}, scanAll(t, s, UnboundedBound(), UnboundedBound()))

	// each flushed memtable dropped its log and left a table plus filter
	for _, id := range st.l0SsTables {
		_, err := os.Stat(walPath(s.opts.Dir, id))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filterPath(sstPath(s.opts.Dir, 0, id)))
		assert.NoError(t, err)
	}
}

func TestStorageFlushEmptyMemTable(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.forceFlushNextImmMemTable())
	assert.Empty(t, s.snapshot().l0SsTables)
	// nothing to flush is not an error
	require.NoError(t, s.forceFlushNextImmMemTable())
}

func TestStorageScanBoundsAcrossSources(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.put([]byte(k), []byte("old"), false))
	}
	flushAll(t, s)
	require.NoError(t, s.put([]byte("c"), []byte("new"), false))
	require.NoError(t, s.delete([]byte("d"), false))

	tests := []struct {
		name         string
		lower, upper Bound
		want         []kv
	}{
		{"included", IncludedBound([]byte("b")), IncludedBound([]byte("e")), []kv{{"b", "old"}, {"c", "new"}, {"e", "old"}}},
		{"excluded", ExcludedBound([]byte("b")), ExcludedBound([]byte("e")), []kv{{"c", "new"}}},
		{"gap lower", IncludedBound([]byte("bb")), UnboundedBound(), []kv{{"c", "new"}, {"e", "old"}}},
		{"disjoint", IncludedBound([]byte("f")), UnboundedBound(), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, scanAll(t, s, tc.lower, tc.upper))
		})
	}
}

func TestStorageFullCompaction(t *testing.T) {
	opts := testOptions(t)
	opts.BlockSize = 64
	opts.TargetSstSize = 256
	s := openTestStorage(t, opts)
	defer s.close()

	want := map[string]string{}
	for round := 0; round < 3; round++ {
		for i := 0; i < 40; i++ {
			k := fmt.Sprintf("key-%03d", i)
			if (i+round)%5 == 0 {
				require.NoError(t, s.delete([]byte(k), false))
				delete(want, k)
				continue
			}
			v := fmt.Sprintf("v%d-%d", round, i)
			require.NoError(t, s.put([]byte(k), []byte(v), false))
			want[k] = v
		}
		flushAll(t, s)
	}
	before := s.snapshot()
	require.NotEmpty(t, before.l0SsTables)

	require.NoError(t, s.forceFullCompaction())

	st := s.snapshot()
	assert.Empty(t, st.l0SsTables)
	require.Greater(t, len(st.levels[0].ids), 1, "output is cut at the target size")
	assert.Len(t, st.sstables, len(st.levels[0].ids))

	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("key-%03d", i)
		requireGet(t, s, k, want[k])
	}

	// no tombstones survive and L1 tables are disjoint and ordered
	var prevLast []byte
	for _, id := range st.levels[0].ids {
		table := st.sstables[id]
		if prevLast != nil {
			assert.Negative(t, compareKeys(prevLast, table.FirstKey()))
		}
		prevLast = table.LastKey()
		it, err := NewSsTableIteratorAndSeekToFirst(table)
		require.NoError(t, err)
		for _, e := range drain(t, it) {
			assert.NotEmpty(t, e.v, "tombstone for %s survived compaction", e.k)
		}
	}

	// inputs are gone from disk
	for _, id := range before.l0SsTables {
		_, err := os.Stat(sstPath(opts.Dir, 0, id))
		assert.True(t, os.IsNotExist(err))
	}

	var gotKeys int
	for _, e := range scanAll(t, s, UnboundedBound(), UnboundedBound()) {
		assert.Equal(t, want[e.k], e.v)
		gotKeys++
	}
	assert.Equal(t, len(want), gotKeys)
}

func TestStorageCompactionKeepsNewerL0(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	flushAll(t, s)
	require.NoError(t, s.forceFullCompaction())
	require.NoError(t, s.put([]byte("a"), []byte("2"), false))
	flushAll(t, s)

	st := s.snapshot()
	assert.Len(t, st.l0SsTables, 1)
	assert.Len(t, st.levels[0].ids, 1)
	requireGet(t, s, "a", "2")

	require.NoError(t, s.forceFullCompaction())
	requireGet(t, s, "a", "2")
}

func TestStorageCloseWithoutWalFlushes(t *testing.T) {
	opts := testOptions(t)
	opts.EnableWAL = false
	s := openTestStorage(t, opts)
	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.put([]byte("b"), []byte("2"), false))
	require.NoError(t, s.close())

	entries, err := os.ReadDir(opts.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".wal", filepath.Ext(e.Name()))
	}

	s = openTestStorage(t, opts)
	defer s.close()
	assert.Len(t, s.snapshot().l0SsTables, 2)
	requireGet(t, s, "a", "1")
	requireGet(t, s, "b", "2")
}

func TestStorageRecoversFromWal(t *testing.T) {
	opts := testOptions(t)
	s := openTestStorage(t, opts)
	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	require.NoError(t, s.forceFreezeMemTable())
	require.NoError(t, s.put([]byte("a"), []byte("2"), false))
	require.NoError(t, s.put([]byte("b"), []byte("3"), false))
	require.NoError(t, s.delete([]byte("b"), false))
	require.NoError(t, s.close())

	s = openTestStorage(t, opts)
	defer s.close()
	st := s.snapshot()
	require.Len(t, st.immMemTables, 2)
	assert.Greater(t, st.immMemTables[0].ID(), st.immMemTables[1].ID())
	assert.Greater(t, st.memTable.ID(), st.immMemTables[0].ID())
	requireGet(t, s, "a", "2")
	requireGet(t, s, "b", "")
}

func TestStorageRemovesStaleWalOnOpen(t *testing.T) {
	opts := testOptions(t)
	s := openTestStorage(t, opts)
	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	require.NoError(t, s.forceFreezeMemTable())
	imm := s.snapshot().immMemTables[0]
	require.NoError(t, s.forceFlushNextImmMemTable())
	require.NoError(t, s.close())

	// simulate a crash between writing the table and removing the log
	w, err := OpenWal(walPath(opts.Dir, imm.ID()), "none")
	require.NoError(t, err)
	require.NoError(t, w.Append(&WalRecord{Key: []byte("a"), Value: []byte("stale")}, true))
	require.NoError(t, w.Close())

	s = openTestStorage(t, opts)
	defer s.close()
	assert.Empty(t, s.snapshot().immMemTables)
	requireGet(t, s, "a", "1")
	_, err = os.Stat(walPath(opts.Dir, imm.ID()))
	assert.True(t, os.IsNotExist(err))
}

func TestStorageStats(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	require.NoError(t, s.put([]byte("a"), []byte("1"), false))
	flushAll(t, s)
	require.NoError(t, s.put([]byte("b"), []byte("22"), false))

	stats := s.stats()
	assert.Equal(t, int64(3), stats.MemTableSize)
	assert.Equal(t, 0, stats.ImmMemTables)
	assert.Equal(t, 1, stats.L0Tables)
	assert.Equal(t, 0, stats.L1Tables)
	assert.Greater(t, stats.FilterFillRatio, 0.0)
}

func TestOpenStorageRejectsBadOptions(t *testing.T) {
	opts := testOptions(t)
	opts.FsyncPolicy = "sometimes"
	_, err := openStorage(opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestOpenStorageRejectsCorruptTable(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, os.WriteFile(sstPath(opts.Dir, 0, 3), []byte{1, 2}, 0o644))
	_, err := openStorage(opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
}

func TestStorageRejectsOversizedEntries(t *testing.T) {
	s := openTestStorage(t, testOptions(t))
	defer s.close()

	big := bytes.Repeat([]byte("x"), maxEntryLen+1)
	for _, err := range []error{
		s.put(big, []byte("v"), false),
		s.put([]byte("k"), make([]byte, 70000), false),
		s.put([]byte("k"), big, false),
		s.delete(big, false),
	} {
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	}
	flushAll(t, s)
	requireGet(t, s, "k", "")
	assert.Empty(t, s.snapshot().l0SsTables)
}

func TestStorageMaxSizedEntrySurvivesFlush(t *testing.T) {
	opts := testOptions(t)
	s := openTestStorage(t, opts)

	key := bytes.Repeat([]byte("k"), maxEntryLen)
	value := bytes.Repeat([]byte("v"), maxEntryLen)
	require.NoError(t, s.put(key, value, false))
	require.NoError(t, s.put([]byte("small"), []byte("1"), false))
	flushAll(t, s)
	require.NoError(t, s.close())

	s = openTestStorage(t, opts)
	defer s.close()
	got, ok, err := s.get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, got)
	requireGet(t, s, "small", "1")
}

func TestStorageWriteToFrozenMemTableIsRejected(t *testing.T) {
	for _, wal := range []bool{true, false} {
		t.Run(fmt.Sprintf("wal=%v", wal), func(t *testing.T) {
			opts := testOptions(t)
			opts.EnableWAL = wal
			s := openTestStorage(t, opts)
			defer s.close()

			old := s.snapshot().memTable
			require.NoError(t, s.forceFreezeMemTable())

			err := old.Put([]byte("late"), []byte("1"), false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errMemTableFrozen))
			assert.True(t, errors.Is(err, ErrClosed))
			_, found := old.Get([]byte("late"))
			assert.False(t, found)

			// the storage write lands in the successor instead
			require.NoError(t, s.put([]byte("late"), []byte("1"), false))
			_, found = s.snapshot().memTable.Get([]byte("late"))
			assert.True(t, found)
		})
	}
}

func TestStorageWritesRacingFreezeAreNotLost(t *testing.T) {
	opts := testOptions(t)
	opts.EnableWAL = false
	s := openTestStorage(t, opts)
	defer s.close()

	const writers, perWriter = 4, 500
	stop := make(chan struct{})
	var freezer sync.WaitGroup
	freezer.Add(1)
	go func() {
		defer freezer.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := s.forceFreezeMemTable(); err != nil {
				t.Error(err)
				return
			}
			if err := s.forceFlushNextImmMemTable(); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.put([]byte(fmt.Sprintf("w%d-%04d", w, i)), []byte("v"), false); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	freezer.Wait()
	flushAll(t, s)

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			requireGet(t, s, fmt.Sprintf("w%d-%04d", w, i), "v")
		}
	}
}

// copyTableFiles returns the bytes of a table and its filter sidecar.
func copyTableFiles(t *testing.T, path string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{}
	for _, p := range []string{path, filterPath(path)} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		files[p] = data
	}
	return files
}

func restoreFiles(t *testing.T, files map[string][]byte) {
	t.Helper()
	for p, data := range files {
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
}

func TestStorageCompactionInterruptedBeforeInputRemoval(t *testing.T) {
	tests := []struct {
		name      string
		restoreL0 bool
		restoreL1 bool
		wantL0    int
		wantL1    int
	}{
		// crash right after publishing, nothing removed yet
		{name: "all inputs left", restoreL0: true, restoreL1: true, wantL0: 0, wantL1: 1},
		// L1 inputs are removed first, so only L0 ones can survive alone
		{name: "l0 inputs left", restoreL0: true, wantL0: 1, wantL1: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(t)
			s := openTestStorage(t, opts)

			require.NoError(t, s.put([]byte("a"), []byte("old"), false))
			require.NoError(t, s.put([]byte("k"), []byte("v1"), false))
			require.NoError(t, s.put([]byte("m"), []byte("keep"), false))
			flushAll(t, s)
			require.NoError(t, s.forceFullCompaction())
			l1 := s.snapshot().levels[0].ids
			require.Len(t, l1, 1)
			oldL1 := copyTableFiles(t, sstPath(opts.Dir, 1, l1[0]))

			require.NoError(t, s.delete([]byte("a"), false))
			require.NoError(t, s.put([]byte("k"), []byte("v2"), false))
			flushAll(t, s)
			l0 := s.snapshot().l0SsTables
			require.Len(t, l0, 1)
			oldL0 := copyTableFiles(t, sstPath(opts.Dir, 0, l0[0]))

			require.NoError(t, s.forceFullCompaction())
			require.NoError(t, s.close())

			if tc.restoreL0 {
				restoreFiles(t, oldL0)
			}
			if tc.restoreL1 {
				restoreFiles(t, oldL1)
			}

			s = openTestStorage(t, opts)
			defer s.close()
			requireGet(t, s, "a", "")
			requireGet(t, s, "k", "v2")
			requireGet(t, s, "m", "keep")
			assert.Equal(t, []kv{{"k", "v2"}, {"m", "keep"}}, scanAll(t, s, UnboundedBound(), UnboundedBound()))

			stats := s.stats()
			assert.Equal(t, tc.wantL0, stats.L0Tables)
			assert.Equal(t, tc.wantL1, stats.L1Tables)
		})
	}
}

func TestLevelOverlaps(t *testing.T) {
	dir := t.TempDir()
	build := func(id uint32, keys ...string) *SsTable {
		b := NewSsTableBuilder(64)
		for _, k := range keys {
			b.Add([]byte(k), []byte("v"))
		}
		table, err := b.Build(id, nil, sstPath(dir, 1, id), 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = table.Close() })
		return table
	}
	tables := map[uint32]*SsTable{
		1: build(1, "a", "c"),
		2: build(2, "d", "f"),
		3: build(3, "e", "g"),
		4: build(4, "f", "h"),
	}
	assert.False(t, levelOverlaps([]uint32{1, 2}, tables))
	assert.False(t, levelOverlaps([]uint32{1}, tables))
	assert.True(t, levelOverlaps([]uint32{1, 2, 3}, tables))
	// sharing a boundary key is an overlap too
	assert.True(t, levelOverlaps([]uint32{2, 4}, tables))
}

func TestStorageFailedCompactionLeavesNoOutputs(t *testing.T) {
	opts := testOptions(t)
	opts.BlockSize = 64
	s := openTestStorage(t, opts)
	for i := 0; i < 60; i++ {
		require.NoError(t, s.put(keyOf(i), valueOf(i), false))
	}
	flushAll(t, s)
	require.NoError(t, s.close())

	opts.TargetSstSize = 128
	s = openTestStorage(t, opts)
	defer s.close()
	before := s.snapshot()
	require.Len(t, before.l0SsTables, 1)
	table := before.sstables[before.l0SsTables[0]]
	require.Greater(t, table.NumBlocks(), 3)
	// outputs get cut before the merge reaches the broken last block
	corruptBlock(t, table, table.NumBlocks()-1)

	err := s.forceFullCompaction()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))

	assert.Same(t, before, s.snapshot())
	entries, err := os.ReadDir(opts.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotRegexp(t, `^L1-`, e.Name())
		assert.NotEqual(t, tmpSuffix, filepath.Ext(e.Name()))
	}
}

// corruptBlock overwrites block idx of an open table on disk so that its
// entry count no longer fits.
func corruptBlock(t *testing.T, table *SsTable, idx int) {
	t.Helper()
	start := int64(table.blockMeta[idx].Offset)
	end := table.blockMetaOffset
	if idx+1 < table.NumBlocks() {
		end = int64(table.blockMeta[idx+1].Offset)
	}
	f, err := os.OpenFile(table.Path(), os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(bytes.Repeat([]byte{0xFF}, int(end-start)), start)
	require.NoError(t, err)
}

func TestStorageScanTaintedByCorruptBlock(t *testing.T) {
	opts := testOptions(t)
	opts.BlockSize = 64
	s := openTestStorage(t, opts)
	for i := 0; i < 30; i++ {
		require.NoError(t, s.put(keyOf(i), valueOf(i), false))
	}
	flushAll(t, s)
	require.NoError(t, s.close())

	// a fresh open starts with an empty block cache
	s = openTestStorage(t, opts)
	defer s.close()
	st := s.snapshot()
	require.Len(t, st.l0SsTables, 1)
	table := st.sstables[st.l0SsTables[0]]
	require.Greater(t, table.NumBlocks(), 2)
	corruptBlock(t, table, 1)

	it, err := s.scan(UnboundedBound(), UnboundedBound())
	require.NoError(t, err)
	var seen int
	for it.IsValid() {
		if err = it.Next(); err != nil {
			break
		}
		seen++
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat) || errors.Is(err, ErrIO), "got %v", err)
	assert.Less(t, seen, 30)
	assert.False(t, it.IsValid())

	err = it.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaintedIterator))

	// point reads into the broken block fail as well
	_, _, err = s.get(table.blockMeta[1].FirstKey)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
}

func TestOpenStorageRemovesPartialTables(t *testing.T) {
	opts := testOptions(t)
	partial := sstPath(opts.Dir, 1, 9) + tmpSuffix
	require.NoError(t, os.WriteFile(partial, []byte("torn"), 0o644))

	s := openTestStorage(t, opts)
	defer s.close()
	_, err := os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, s.snapshot().sstables)
}
