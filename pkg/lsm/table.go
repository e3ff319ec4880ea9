package lsm

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"
)

/*
Table file layout (big-endian):

	| block #0 | ... | block #N | meta #0 | ... | meta #N | meta offset (u32) |

each meta is [block offset u32][first key len u16][first key][last key len u16][last key].
*/

// BlockMeta summarizes one data block of a table.
type BlockMeta struct {
	Offset   uint32
	FirstKey []byte
	LastKey  []byte
}

func encodeBlockMeta(metas []BlockMeta, buf []byte) []byte {
	for _, m := range metas {
		buf = binary.BigEndian.AppendUint32(buf, m.Offset)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.FirstKey)))
		buf = append(buf, m.FirstKey...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.LastKey)))
		buf = append(buf, m.LastKey...)
	}
	return buf
}

func decodeBlockMeta(buf []byte) ([]BlockMeta, error) {
	var metas []BlockMeta
	readKey := func() ([]byte, bool) {
		if len(buf) < sizeOfU16 {
			return nil, false
		}
		n := int(binary.BigEndian.Uint16(buf))
		if len(buf) < sizeOfU16+n {
			return nil, false
		}
		key := append([]byte(nil), buf[sizeOfU16:sizeOfU16+n]...)
		buf = buf[sizeOfU16+n:]
		return key, true
	}
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, formatErrorf("block meta #%d: %d trailing bytes", len(metas), len(buf))
		}
		offset := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		first, ok := readKey()
		if !ok {
			return nil, formatErrorf("block meta #%d: first key truncated", len(metas))
		}
		last, ok := readKey()
		if !ok {
			return nil, formatErrorf("block meta #%d: last key truncated", len(metas))
		}
		metas = append(metas, BlockMeta{Offset: offset, FirstKey: first, LastKey: last})
	}
	return metas, nil
}

// FileObject is a read-only table file handle with its size.
type FileObject struct {
	file *os.File
	size int64
}

func OpenFileObject(path string) (FileObject, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileObject{}, ioErrorf(err, "open table %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return FileObject{}, ioErrorf(err, "stat table %s", path)
	}
	return FileObject{file: f, size: st.Size()}, nil
}

const tmpSuffix = ".tmp"

// createFileObject writes data to a temporary file, fsyncs it, renames it to
// path and reopens it read-only. A crash never leaves a torn file at path.
func createFileObject(path string, data []byte) (FileObject, error) {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return FileObject{}, ioErrorf(err, "create table %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return FileObject{}, ioErrorf(err, "write table %s", path)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return FileObject{}, ioErrorf(err, "sync table %s", path)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return FileObject{}, ioErrorf(err, "close table %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return FileObject{}, ioErrorf(err, "rename table %s", path)
	}
	return OpenFileObject(path)
}

func (fo FileObject) read(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := fo.file.ReadAt(buf, offset); err != nil {
		return nil, ioErrorf(err, "read %d bytes at %d from %s", n, offset, fo.file.Name())
	}
	return buf, nil
}

// SsTable is an immutable sorted table opened for reading.
type SsTable struct {
	file            FileObject
	blockMeta       []BlockMeta
	blockMetaOffset int64
	id              uint32
	cache           *BlockCache
	filter          *BloomPolicy
	firstKey        []byte
	lastKey         []byte
}

// OpenSsTable reads the meta section of a table file. cache may be nil.
func OpenSsTable(id uint32, cache *BlockCache, file FileObject) (*SsTable, error) {
	if file.size < 4 {
		return nil, formatErrorf("table %d: file of %d bytes has no footer", id, file.size)
	}
	raw, err := file.read(file.size-4, 4)
	if err != nil {
		return nil, err
	}
	metaOffset := int64(binary.BigEndian.Uint32(raw))
	if metaOffset > file.size-4 {
		return nil, formatErrorf("table %d: meta offset %d beyond file size %d", id, metaOffset, file.size)
	}
	raw, err = file.read(metaOffset, int(file.size-4-metaOffset))
	if err != nil {
		return nil, err
	}
	metas, err := decodeBlockMeta(raw)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, formatErrorf("table %d: no blocks", id)
	}
	for i, m := range metas {
		if int64(m.Offset) >= metaOffset || (i > 0 && m.Offset <= metas[i-1].Offset) {
			return nil, formatErrorf("table %d: block #%d offset %d is out of order", id, i, m.Offset)
		}
	}
	return &SsTable{
		file:            file,
		blockMeta:       metas,
		blockMetaOffset: metaOffset,
		id:              id,
		cache:           cache,
		firstKey:        metas[0].FirstKey,
		lastKey:         metas[len(metas)-1].LastKey,
	}, nil
}

// ReadBlock reads and decodes block idx straight from the file.
func (t *SsTable) ReadBlock(idx int) (*Block, error) {
	offset := int64(t.blockMeta[idx].Offset)
	end := t.blockMetaOffset
	if idx+1 < len(t.blockMeta) {
		end = int64(t.blockMeta[idx+1].Offset)
	}
	raw, err := t.file.read(offset, int(end-offset))
	if err != nil {
		return nil, err
	}
	return DecodeBlock(raw)
}

// ReadBlockCached goes through the shared block cache when there is one.
func (t *SsTable) ReadBlockCached(idx int) (*Block, error) {
	if t.cache == nil {
		return t.ReadBlock(idx)
	}
	return t.cache.GetOrLoad(t.id, idx, func() (*Block, error) {
		return t.ReadBlock(idx)
	})
}

// FindBlockIdx returns the last block whose first key is <= key, or 0.
func (t *SsTable) FindBlockIdx(key []byte) int {
	idx := sort.Search(len(t.blockMeta), func(i int) bool {
		return bytes.Compare(t.blockMeta[i].FirstKey, key) > 0
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

// MayContain consults the bloom filter, when the table has one.
func (t *SsTable) MayContain(key []byte) bool { return t.filter.MayContain(key) }

func (t *SsTable) NumBlocks() int       { return len(t.blockMeta) }
func (t *SsTable) FirstKey() []byte     { return t.firstKey }
func (t *SsTable) LastKey() []byte      { return t.lastKey }
func (t *SsTable) ID() uint32           { return t.id }
func (t *SsTable) TableSize() int64     { return t.file.size }
func (t *SsTable) Path() string         { return t.file.file.Name() }
func (t *SsTable) Filter() *BloomPolicy { return t.filter }

func (t *SsTable) Close() error {
	if err := t.file.file.Close(); err != nil {
		return ioErrorf(err, "close table %d", t.id)
	}
	return nil
}
