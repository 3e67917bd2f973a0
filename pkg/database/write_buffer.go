package database

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxPending caps queued events; beyond it the oldest are dropped
const maxPending = 10000

// WriteBuffer batches event inserts into one transaction per flush so
// session goroutines never wait on SQLite
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Event
	dropped int
	closed  bool

	flushMu  sync.Mutex // one flush at a time
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewWriteBuffer starts a buffer that flushes every flushInterval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]Event, 0, 64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Append queues e; it reports false once the buffer is closed
func (wb *WriteBuffer) Append(e Event) bool {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.closed {
		return false
	}
	if len(wb.pending) >= maxPending {
		wb.pending = wb.pending[1:]
		wb.dropped++
	}
	wb.pending = append(wb.pending, e)
	return true
}

// Pending returns the number of queued events
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	return len(wb.pending)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wb.Flush(); err != nil {
				wb.db.log.Warn("flushing audit events failed", zap.Error(err))
			}
		case <-wb.shutdown:
			if err := wb.Flush(); err != nil {
				wb.db.log.Error("final audit flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Flush writes every queued event in a single transaction. On failure the
// batch is put back at the front of the queue.
func (wb *WriteBuffer) Flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	dropped := wb.dropped
	wb.pending = make([]Event, 0, 64)
	wb.dropped = 0
	wb.mu.Unlock()

	if dropped > 0 {
		wb.db.log.Warn("audit buffer overflowed", zap.Int("dropped", dropped))
	}
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := wb.write(batch); err != nil {
		wb.requeue(batch)
		return err
	}

	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		wb.db.log.Info("slow audit flush", zap.Int("events", len(batch)), zap.Duration("elapsed", elapsed))
	}
	return nil
}

func (wb *WriteBuffer) write(batch []Event) error {
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO Event (id, kind, name, peer, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range batch {
		e := &batch[i]
		if e.ID == 0 {
			e.ID = wb.db.ids.NextID()
		}
		if _, err := stmt.Exec(e.ID, e.Kind, e.Name, e.Peer, e.Detail, e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (wb *WriteBuffer) requeue(batch []Event) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	merged := append(batch, wb.pending...)
	if over := len(merged) - maxPending; over > 0 {
		merged = merged[over:]
		wb.dropped += over
	}
	wb.pending = merged
}

// Close stops the flush loop after a final flush. Later Appends are refused.
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
