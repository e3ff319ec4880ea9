package lsm

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DB is the user-facing interface.
type DB interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte, wo *WriteOptions) error
	Delete(ctx context.Context, key []byte, wo *WriteOptions) error
	// Scan iterates the live keys in [lower, upper] as of the call.
	Scan(ctx context.Context, lower, upper Bound) (*FusedIterator, error)
	// ForceFlush freezes the active memtable and writes every memtable to L0.
	ForceFlush(ctx context.Context) error
	ForceFullCompaction(ctx context.Context) error
	Stats() Stats
	Close() error
}

type dbImpl struct {
	mu     sync.RWMutex
	closed bool

	inner *lsmStorage
	log   *logrus.Entry

	flushSignal chan struct{}
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

/*
Open brings a directory back to life:
1) validate options and make sure the directory exists
2) open every table file and replay WAL files into immutable memtables
3) start the background flush worker
*/
func Open(opts Options) (DB, error) {
	inner, err := openStorage(opts)
	if err != nil {
		return nil, err
	}
	db := &dbImpl{
		inner:       inner,
		log:         inner.log,
		flushSignal: make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
	db.wg.Add(1)
	go db.flushLoop()
	return db, nil
}

func (db *dbImpl) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if db.closed {
		return ErrClosed
	}
	return nil
}

func (db *dbImpl) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.enter(ctx); err != nil {
		return nil, false, err
	}
	return db.inner.get(key)
}

func (db *dbImpl) Put(ctx context.Context, key, value []byte, wo *WriteOptions) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.enter(ctx); err != nil {
		return err
	}
	if err := db.inner.put(key, value, wo != nil && wo.Sync); err != nil {
		return err
	}
	db.maybeScheduleFlush()
	return nil
}

func (db *dbImpl) Delete(ctx context.Context, key []byte, wo *WriteOptions) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.enter(ctx); err != nil {
		return err
	}
	if err := db.inner.delete(key, wo != nil && wo.Sync); err != nil {
		return err
	}
	db.maybeScheduleFlush()
	return nil
}

func (db *dbImpl) Scan(ctx context.Context, lower, upper Bound) (*FusedIterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.enter(ctx); err != nil {
		return nil, err
	}
	return db.inner.scan(lower, upper)
}

func (db *dbImpl) ForceFlush(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.enter(ctx); err != nil {
		return err
	}
	if !db.inner.snapshot().memTable.IsEmpty() {
		if err := db.inner.forceFreezeMemTable(); err != nil {
			return err
		}
	}
	for db.inner.numImmMemTables() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := db.inner.forceFlushNextImmMemTable(); err != nil {
			return err
		}
	}
	return nil
}

func (db *dbImpl) ForceFullCompaction(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.enter(ctx); err != nil {
		return err
	}
	return db.inner.forceFullCompaction()
}

func (db *dbImpl) Stats() Stats { return db.inner.stats() }

func (db *dbImpl) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	close(db.stopChan)
	db.wg.Wait()
	if err := db.inner.close(); err != nil {
		return err
	}
	db.log.Info("db closed")
	return nil
}

func (db *dbImpl) maybeScheduleFlush() {
	if db.inner.numImmMemTables() <= db.inner.opts.NumMemTableLimit {
		return
	}
	select {
	case db.flushSignal <- struct{}{}:
	default:
	}
}

// flushLoop is the single background flusher. It wakes on a timer or when a
// writer pushed the immutable memtable count over the limit.
func (db *dbImpl) flushLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.inner.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-db.flushSignal:
		case <-db.stopChan:
			return
		}
		for db.inner.numImmMemTables() > db.inner.opts.NumMemTableLimit {
			if err := db.inner.forceFlushNextImmMemTable(); err != nil {
				db.log.WithError(err).Error("flush immutable memtable failed")
				break
			}
		}
	}
}
