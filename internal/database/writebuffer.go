package database

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	writeBufferFlushSize = 50
	writeBufferInterval  = 5 * time.Second
	writeBufferTimeout   = 10 * time.Second
)

type bufferedWrite struct {
	sql  string
	args []any
}

// WriteBuffer batches non-critical writes (login timestamps, startup logs)
// into a single pgx batch, flushed by size, by timer and on shutdown.
// Player-data writes never go through here; they are durable-before-return
// and wrapped by the save barrier.
type WriteBuffer struct {
	db     *DB
	logger *zap.Logger

	mu    sync.Mutex
	queue []bufferedWrite

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWriteBuffer(db *DB, logger *zap.Logger) *WriteBuffer {
	return &WriteBuffer{
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the periodic flusher.
func (b *WriteBuffer) Start() {
	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(writeBufferInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.flush()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop halts the flusher and drains whatever is still queued.
func (b *WriteBuffer) Stop() {
	close(b.stopCh)
	<-b.doneCh
	b.flush()
}

// Enqueue appends one statement. A full buffer flushes inline so the queue
// stays bounded even under a burst.
func (b *WriteBuffer) Enqueue(sql string, args ...any) {
	b.mu.Lock()
	b.queue = append(b.queue, bufferedWrite{sql: sql, args: args})
	full := len(b.queue) >= writeBufferFlushSize
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// Pending returns the number of queued writes.
func (b *WriteBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *WriteBuffer) flush() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeBufferTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, w := range pending {
		batch.Queue(w.sql, w.args...)
	}

	results := b.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	failed := 0
	for range pending {
		if _, err := results.Exec(); err != nil {
			failed++
			b.logger.Warn("buffered write failed", zap.Error(err))
		}
	}

	if failed > 0 {
		b.logger.Warn("write buffer flushed with errors",
			zap.Int("written", len(pending)-failed),
			zap.Int("failed", failed))
	} else {
		b.logger.Debug("write buffer flushed", zap.Int("written", len(pending)))
	}
}
