package lsm

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

/*
Every memtable owns one WAL file. Records are appended in write order:

	[ len   : 4 bytes ]      payload length
	[ crc32 : 4 bytes ]      castagnoli checksum of the payload
	[ payload : len bytes ]  [klen u32][vlen u32][key][value]

An empty value is a tombstone. Replay stops at the first torn or corrupt
record and truncates the file there.
*/

var crcTab = crc32.MakeTable(crc32.Castagnoli)

const walHeaderSize = 8

type WalRecord struct {
	Key   []byte
	Value []byte
}

func encodePayload(rec *WalRecord) []byte {
	buf := make([]byte, 8+len(rec.Key)+len(rec.Value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(rec.Key)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(rec.Value)))
	copy(buf[8:], rec.Key)
	copy(buf[8+len(rec.Key):], rec.Value)
	return buf
}

func decodePayload(p []byte) (*WalRecord, error) {
	if len(p) < 8 {
		return nil, formatErrorf("wal: payload of %d bytes", len(p))
	}
	klen := int(binary.LittleEndian.Uint32(p[0:4]))
	vlen := int(binary.LittleEndian.Uint32(p[4:8]))
	if 8+klen+vlen != len(p) {
		return nil, formatErrorf("wal: lengths %d+%d do not match payload of %d bytes", klen, vlen, len(p))
	}
	return &WalRecord{
		Key:   append([]byte(nil), p[8:8+klen]...),
		Value: append([]byte(nil), p[8+klen:]...),
	}, nil
}

type Wal struct {
	path   string
	policy string // "always"|"every_sec"|"none"

	curFile *os.File
	curBufw *bufio.Writer

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func OpenWal(path, fsyncPolicy string) (*Wal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ioErrorf(err, "open wal %s", path)
	}
	w := &Wal{
		path:    path,
		policy:  fsyncPolicy,
		curFile: f,
		curBufw: bufio.NewWriterSize(f, 64<<10),
	}
	if w.policy == "every_sec" {
		w.stopChan = make(chan struct{})
		w.wg.Add(1)
		go w.bgSync()
	}
	return w, nil
}

func (w *Wal) Append(rec *WalRecord, forceSync bool) error {
	payload := encodePayload(rec)
	var hdr [walHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, crcTab))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return errors.Mark(errors.Newf("wal %s is closed", w.path), ErrClosed)
	}
	if _, err := w.curBufw.Write(hdr[:]); err != nil {
		return ioErrorf(err, "append wal %s", w.path)
	}
	if _, err := w.curBufw.Write(payload); err != nil {
		return ioErrorf(err, "append wal %s", w.path)
	}
	if forceSync || w.policy == "always" {
		return w.syncLocked()
	}
	return nil
}

func (w *Wal) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return nil
	}
	return w.syncLocked()
}

func (w *Wal) syncLocked() error {
	if err := w.curBufw.Flush(); err != nil {
		return ioErrorf(err, "flush wal %s", w.path)
	}
	if err := w.curFile.Sync(); err != nil {
		return ioErrorf(err, "sync wal %s", w.path)
	}
	return nil
}

func (w *Wal) Close() error {
	if w.stopChan != nil {
		close(w.stopChan)
		w.wg.Wait()
		w.stopChan = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curFile == nil {
		return nil
	}
	firstErr := w.syncLocked()
	if err := w.curFile.Close(); err != nil && firstErr == nil {
		firstErr = ioErrorf(err, "close wal %s", w.path)
	}
	w.curFile = nil
	return firstErr
}

// bgSync implements the every_sec policy.
func (w *Wal) bgSync() {
	defer w.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.curFile != nil {
				_ = w.syncLocked()
			}
			w.mu.Unlock()
		}
	}
}

// WalReader decodes records from a log of known size. A header claiming
// more bytes than remain is a torn tail, so no allocation exceeds the file.
type WalReader struct {
	r         *bufio.Reader
	remaining int64
}

func NewWalReader(r io.Reader, size int64) *WalReader {
	return &WalReader{r: bufio.NewReader(r), remaining: size}
}

// Next returns the next record and its size on disk. io.EOF marks a clean end.
func (rd *WalReader) Next() (*WalRecord, int64, error) {
	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return nil, 0, err
	}
	rd.remaining -= walHeaderSize
	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	if int64(length) > rd.remaining {
		return nil, 0, io.ErrUnexpectedEOF
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		return nil, 0, err
	}
	rd.remaining -= int64(length)
	if gotCRC := crc32.Checksum(payload, crcTab); gotCRC != wantCRC {
		return nil, 0, formatErrorf("wal: crc mismatch: got %x, want %x", gotCRC, wantCRC)
	}
	rec, err := decodePayload(payload)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(length) + walHeaderSize, nil
}

// ReplayFile applies every complete record of f in order. A torn or corrupt
// tail is truncated away; f must be opened read-write.
func ReplayFile(f *os.File, apply func(*WalRecord) error) (int, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, ioErrorf(err, "stat wal %s", f.Name())
	}
	rd := NewWalReader(f, fi.Size())
	var offset int64
	n := 0
	for {
		rec, size, err := rd.Next()
		if err != nil {
			if err == io.EOF {
				return n, nil
			}
			if terr := f.Truncate(offset); terr != nil {
				return n, ioErrorf(terr, "truncate wal %s", f.Name())
			}
			return n, nil
		}
		offset += size
		if err := apply(rec); err != nil {
			return n, err
		}
		n++
	}
}
