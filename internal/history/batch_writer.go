package history

import (
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"bot-core/pkg/db"
)

// writeOp is one buffered statement.
type writeOp struct {
	query string
	args  []any
}

// BatchWriter coalesces non-critical writes (daily aggregates, session
// heartbeats) into periodic transactions so the settle path never waits
// on them.
type BatchWriter struct {
	db       *sql.DB
	buffer   []writeOp
	mu       sync.Mutex
	maxSize  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	writes  atomic.Uint64
	batches atomic.Uint64
	errors  atomic.Uint64
}

// BatchWriterMetrics is a point-in-time snapshot.
type BatchWriterMetrics struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
	Pending      int    `json:"pending"`
}

func NewBatchWriter(database *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       database,
		buffer:   make([]writeOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// EnqueueDailyDelta queues one daily_stats increment.
func (bw *BatchWriter) EnqueueDailyDelta(d db.DailyStatDelta) {
	bw.enqueue(writeOp{
		query: db.UpsertDailyStatSQL(),
		args:  []any{d.UserID, d.Date, d.Wins, d.Losses, d.PnL},
	})
}

// EnqueueHeartbeat queues a session heartbeat refresh.
func (bw *BatchWriter) EnqueueHeartbeat(sessionID string) {
	bw.enqueue(writeOp{
		query: `UPDATE bot_sessions SET heartbeat_at = CURRENT_TIMESTAMP WHERE id = ? AND status = 'running'`,
		args:  []any{sessionID},
	})
}

func (bw *BatchWriter) enqueue(op writeOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		bw.Flush()
	}
}

// Flush writes all buffered operations in one transaction.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]writeOp, 0, bw.maxSize)
	bw.mu.Unlock()

	bw.writes.Add(uint64(len(ops)))
	bw.batches.Add(1)

	tx, err := bw.db.Begin()
	if err != nil {
		bw.errors.Add(1)
		log.Printf("[History] ❌ batch begin failed: %v", err)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			tx.Rollback()
			bw.errors.Add(1)
			log.Printf("[History] ❌ batch statement failed, rolling back: %v", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		bw.errors.Add(1)
		log.Printf("[History] ❌ batch commit failed: %v", err)
		return err
	}

	log.Printf("[History] 💾 flushed %d aggregate write(s)", len(ops))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Printf("[History] ⚠️ background flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("[History] ⚠️ final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of queued operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics snapshots writer counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		TotalWrites:  bw.writes.Load(),
		TotalBatches: bw.batches.Load(),
		TotalErrors:  bw.errors.Load(),
		Pending:      bw.Pending(),
	}
}

// Close drains the buffer and stops the background loop.
func (bw *BatchWriter) Close() error {
	close(bw.done)
	bw.wg.Wait()
	return nil
}
