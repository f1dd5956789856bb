package bundler

import (
	"context"
	"time"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

const (
	indexerBatchSize     = 200
	indexerFlushInterval = 2 * time.Second
	indexerRetryBackoff  = time.Second
	indexerMaxRetries    = 5
	indexerBuffer        = 4096
)

// Indexer is the batch writer for offset records. The preparer and the
// unbundler push records through Add; flusher goroutines collect them into
// batches and insert them idempotently, retrying with backoff on database
// failures.
type Indexer struct {
	db      db.Database
	metrics *metrics.Metrics
	in      chan db.OffsetRecord
}

// NewIndexer creates an indexer. Run must be started for Add to drain.
func NewIndexer(database db.Database, m *metrics.Metrics) *Indexer {
	return &Indexer{
		db:      database,
		metrics: m,
		in:      make(chan db.OffsetRecord, indexerBuffer),
	}
}

// Add queues records for batched insertion. Blocks only when the buffer is
// full, which back-pressures the preparer rather than dropping records.
func (ix *Indexer) Add(ctx context.Context, records []db.OffsetRecord) error {
	for _, r := range records {
		select {
		case ix.in <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run drains the buffer with workers flusher goroutines until ctx ends,
// then flushes what remains.
func (ix *Indexer) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			ix.flushLoop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	return nil
}

func (ix *Indexer) flushLoop(ctx context.Context) {
	batch := make([]db.OffsetRecord, 0, indexerBatchSize)
	ticker := time.NewTicker(indexerFlushInterval)
	defer ticker.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		ix.insertWithRetry(flushCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// final drain with a fresh deadline so shutdown does not
			// lose buffered records
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for {
				select {
				case r := <-ix.in:
					batch = append(batch, r)
					if len(batch) >= indexerBatchSize {
						flush(drainCtx)
					}
					continue
				default:
				}
				break
			}
			flush(drainCtx)
			cancel()
			return
		case r := <-ix.in:
			batch = append(batch, r)
			if len(batch) >= indexerBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// insertWithRetry writes one batch, retrying transient database failures.
// InsertOffsets is idempotent on (data_item_id, root_bundle_id) so a retry
// after a partial write is safe.
func (ix *Indexer) insertWithRetry(ctx context.Context, batch []db.OffsetRecord) {
	backoff := indexerRetryBackoff
	for attempt := 1; ; attempt++ {
		err := ix.db.InsertOffsets(ctx, batch)
		if err == nil {
			ix.metrics.OffsetRows(len(batch))
			return
		}
		if attempt >= indexerMaxRetries || ctx.Err() != nil {
			logger.Error("dropping offset batch after retries",
				"rows", len(batch), logger.KeyAttempt, attempt, "error", err)
			return
		}
		logger.Warn("offset batch insert failed, retrying",
			"rows", len(batch), logger.KeyAttempt, attempt, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff *= 2
	}
}
