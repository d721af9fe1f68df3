package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/metrics"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/internal/workpool"
	"github.com/dshills/bookfinder/pkg/types"
)

// ErrBackfillInProgress is returned when a backfill is already running
var ErrBackfillInProgress = errors.New("backfill already in progress")

// DefaultBatchSize is the number of titles embedded per provider call
const DefaultBatchSize = 256

// Config contains configuration for the backfill pipeline
type Config struct {
	BatchSize int `koanf:"batch_size" validate:"gte=1,lte=2048"`
	Workers   int `koanf:"workers" validate:"gte=0"` // 0 = runtime.NumCPU()
}

// Options tune a single backfill run
type Options struct {
	BatchSize  int            // Titles per batch (default DefaultBatchSize)
	MaxBatches int            // Stop after this many batches; 0 = all
	Progress   func(Progress) // Called once per finished batch, never concurrently
}

// Progress reports a finished batch
type Progress struct {
	RunID        string
	Batch        int // zero-based batch index
	TotalBatches int
	Written      int
	Failed       bool
}

// Statistics summarises a backfill run
type Statistics struct {
	RunID         string        `json:"run_id"`
	Candidates    int           `json:"candidates"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	RowsWritten   int           `json:"rows_written"`
	RowsSkipped   int           `json:"rows_skipped"`
	Duration      time.Duration `json:"duration"`
	ErrorMessages []string      `json:"errors,omitempty"`
}

// Indexer fills in missing book embeddings
type Indexer struct {
	storage  storage.Storage
	embedder embedder.Embedder
	pool     *workpool.Pool
	lock     IndexLock
	logger   zerolog.Logger
}

// New creates an Indexer. A nil pool runs one batch per CPU at a time.
func New(store storage.Storage, emb embedder.Embedder, pool *workpool.Pool) *Indexer {
	if pool == nil {
		pool = workpool.New(0)
	}
	return &Indexer{
		storage:  store,
		embedder: emb,
		pool:     pool,
		logger:   logging.Component("indexer"),
	}
}

// batch is one unit of work: a slice of pending books embedded in one call
type batch struct {
	index int
	rows  []storage.PendingEmbedding
}

// batchOutcome is what a finished batch wrote
type batchOutcome struct {
	written int
	skipped int
}

// Backfill embeds every book whose embedding is null and whose title is
// non-empty, writing each batch in its own transaction. A failed batch is
// logged and left for a later run; it does not stop the others. Existing
// embeddings are never overwritten, so a run can be repeated or resumed.
func (idx *Indexer) Backfill(ctx context.Context, opts Options) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrBackfillInProgress
	}
	defer idx.lock.Release()

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize > embedder.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size %d exceeds %d", types.ErrInvalidInput, opts.BatchSize, embedder.MaxBatchSize)
	}

	start := time.Now()
	stats := &Statistics{RunID: uuid.New().String(), ErrorMessages: make([]string, 0)}
	logger := idx.logger.With().Str("run_id", stats.RunID).Logger()

	pending, err := idx.storage.ListMissingEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending books: %w", types.ErrUnavailable, err)
	}
	stats.Candidates = len(pending)

	batches := partition(pending, opts.BatchSize)
	if opts.MaxBatches > 0 && len(batches) > opts.MaxBatches {
		batches = batches[:opts.MaxBatches]
	}
	stats.Batches = len(batches)
	logger.Info().Int("candidates", stats.Candidates).Int("batches", stats.Batches).
		Int("batch_size", opts.BatchSize).Msg("backfill started")

	var progressMu sync.Mutex
	results, runErr := workpool.Run(ctx, idx.pool, batches,
		func(b batch) int { return b.index },
		func(ctx context.Context, b batch) (batchOutcome, error) {
			outcome, err := idx.processBatch(ctx, b)
			metrics.RecordBackfillBatch(outcome.written, err)
			if opts.Progress != nil {
				progressMu.Lock()
				opts.Progress(Progress{
					RunID:        stats.RunID,
					Batch:        b.index,
					TotalBatches: len(batches),
					Written:      outcome.written,
					Failed:       err != nil,
				})
				progressMu.Unlock()
			}
			return outcome, err
		})

	// Results are matched back to their batch by key, not arrival order.
	byBatch := workpool.Index(results)
	for _, b := range batches {
		res := byBatch[b.index]
		if res.Err != nil {
			stats.FailedBatches++
			first, last := b.rows[0].ISBN, b.rows[len(b.rows)-1].ISBN
			stats.ErrorMessages = append(stats.ErrorMessages,
				fmt.Sprintf("batch %d (%s..%s): %v", b.index, first, last, res.Err))
			logger.Error().Err(res.Err).Int("batch", b.index).
				Str("first_isbn", first).Str("last_isbn", last).Msg("backfill batch failed")
			continue
		}
		stats.RowsWritten += res.Value.written
		stats.RowsSkipped += res.Value.skipped
	}

	stats.Duration = time.Since(start)
	logger.Info().Int("written", stats.RowsWritten).Int("skipped", stats.RowsSkipped).
		Int("failed_batches", stats.FailedBatches).Dur("took", stats.Duration).Msg("backfill finished")

	if runErr != nil {
		return stats, runErr
	}
	return stats, nil
}

// processBatch embeds one batch with a single provider call and writes it atomically
func (idx *Indexer) processBatch(ctx context.Context, b batch) (batchOutcome, error) {
	titles := make([]string, len(b.rows))
	for i, row := range b.rows {
		titles[i] = row.Title
	}

	resp, err := idx.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: titles})
	if err != nil {
		return batchOutcome{}, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Embeddings) != len(b.rows) {
		return batchOutcome{}, fmt.Errorf("embed: expected %d vectors, got %d", len(b.rows), len(resp.Embeddings))
	}

	want := idx.embedder.Dimension()
	writes := make([]storage.EmbeddingWrite, len(b.rows))
	for i, row := range b.rows {
		vector := resp.Embeddings[i].Vector
		if len(vector) != want {
			return batchOutcome{}, fmt.Errorf("%w: isbn %s has %d components, expected %d",
				types.ErrDimensionDrift, row.ISBN, len(vector), want)
		}
		writes[i] = storage.EmbeddingWrite{ISBN: row.ISBN, Vector: vector}
	}

	var written int
	err = storage.WithTx(ctx, idx.storage, func(tx storage.Tx) error {
		var err error
		written, err = tx.SetEmbeddings(ctx, writes)
		return err
	})
	if err != nil {
		return batchOutcome{}, fmt.Errorf("%w: write: %w", types.ErrPersistence, err)
	}
	return batchOutcome{written: written, skipped: len(writes) - written}, nil
}

// partition splits rows into consecutive batches of at most size, ordered by isbn
func partition(rows []storage.PendingEmbedding, size int) []batch {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ISBN < rows[j].ISBN })
	batches := make([]batch, 0, (len(rows)+size-1)/size)
	for i := 0; i < len(rows); i += size {
		end := min(i+size, len(rows))
		batches = append(batches, batch{index: len(batches), rows: rows[i:end]})
	}
	return batches
}
