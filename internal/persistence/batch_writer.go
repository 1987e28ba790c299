// Package persistence buffers order audit records so that SQLite writes never
// sit on the tick path.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hedge-core/pkg/db"
)

// AuditStore is where flushed records end up.
type AuditStore interface {
	RecordOrder(ctx context.Context, o db.OrderRecord) (int64, error)
}

// BatchWriter batches order audit records and flushes them in the
// background.
type BatchWriter struct {
	store       AuditStore
	buffer      []db.OrderRecord
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max records before auto-flush
// interval: time-based flush interval
func NewBatchWriter(store AuditStore, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		store:       store,
		buffer:      make([]db.OrderRecord, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// RecordOrder queues o. It never blocks on the database.
func (bw *BatchWriter) RecordOrder(o db.OrderRecord) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, o)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		go bw.Flush()
	}
}

// Flush immediately writes all buffered records. Records that fail to write
// are logged and dropped; the audit never blocks trading.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]db.OrderRecord, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

func (bw *BatchWriter) executeBatch(ops []db.OrderRecord) error {
	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.metrics.LastBatchSize = len(ops)
	bw.metrics.LastFlushTime = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	for _, op := range ops {
		if _, err := bw.store.RecordOrder(ctx, op); err != nil {
			atomic.AddUint64(&bw.metrics.TotalErrors, 1)
			log.Error().Err(err).Str("account", op.Account).Str("instance", op.InstanceID).
				Str("client_id", op.ClientID).Msg("order audit write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	log.Debug().Int("records", len(ops)).Msg("order audit flushed")
	return firstErr
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Warn().Err(err).Msg("order audit background flush error")
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Warn().Err(err).Msg("order audit final flush error")
			}
			return
		}
	}
}

// Pending returns the number of queued records.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: bw.metrics.LastBatchSize,
		LastFlushTime: bw.metrics.LastFlushTime,
	}
}

// Close flushes what is queued and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
