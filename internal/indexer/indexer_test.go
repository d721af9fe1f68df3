package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/internal/workpool"
	"github.com/dshills/bookfinder/pkg/types"
)

// mockEmbedder implements embedder.Embedder for testing
type mockEmbedder struct {
	dimension   int
	outputWidth int               // vector width actually produced; 0 = dimension
	failOn      map[string]bool   // titles whose batch fails
	block       chan struct{}     // when set, GenerateBatch waits on it
	batches     [][]string
	mu          sync.Mutex
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{dimension: 3, failOn: map[string]bool{}}
}

func (m *mockEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	resp, err := m.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]string(nil), req.Texts...))

	width := m.dimension
	if m.outputWidth > 0 {
		width = m.outputWidth
	}
	embeddings := make([]*embedder.Embedding, len(req.Texts))
	for i, text := range req.Texts {
		if m.failOn[text] {
			return nil, fmt.Errorf("%w: provider rejected %q", types.ErrUnavailable, text)
		}
		vector := make([]float32, width)
		vector[0] = float32(len(text))
		embeddings[i] = &embedder.Embedding{Vector: vector, Dimension: width}
	}
	return &embedder.BatchEmbeddingResponse{Embeddings: embeddings, Provider: "mock"}, nil
}

func (m *mockEmbedder) Dimension() int   { return m.dimension }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return "test-v1" }
func (m *mockEmbedder) Close() error     { return nil }

func (m *mockEmbedder) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// setupTestStorage creates an in-memory catalog of n books plus one untitled book
func setupTestStorage(t testing.TB, n int) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err, "Failed to create test storage")
	t.Cleanup(func() { _ = store.Close() })

	books := make([]*types.Book, 0, n+1)
	for i := 0; i < n; i++ {
		books = append(books, &types.Book{ISBN: fmt.Sprintf("isbn-%04d", i), Title: fmt.Sprintf("Title %d", i)})
	}
	books = append(books, &types.Book{ISBN: "untitled"})
	_, err = store.AddBooks(context.Background(), books)
	require.NoError(t, err)
	return store
}

func pendingCount(t *testing.T, store storage.Storage) int {
	t.Helper()
	pending, err := store.ListMissingEmbeddings(context.Background())
	require.NoError(t, err)
	return len(pending)
}

func TestNew(t *testing.T) {
	store := setupTestStorage(t, 0)
	idx := New(store, newMockEmbedder(), nil)
	require.NotNil(t, idx)
	assert.Positive(t, idx.pool.Workers())
}

func TestPartition(t *testing.T) {
	rows := []storage.PendingEmbedding{{ISBN: "c"}, {ISBN: "a"}, {ISBN: "e"}, {ISBN: "b"}, {ISBN: "d"}}
	batches := partition(rows, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, "a", batches[0].rows[0].ISBN)
	assert.Equal(t, "b", batches[0].rows[1].ISBN)
	assert.Len(t, batches[2].rows, 1)
	assert.Equal(t, 2, batches[2].index)
	assert.Empty(t, partition(nil, 256))
}

func TestBackfill_EmbedsEverything(t *testing.T) {
	store := setupTestStorage(t, 10)
	emb := newMockEmbedder()
	idx := New(store, emb, workpool.New(2))

	stats, err := idx.Backfill(context.Background(), Options{BatchSize: 4})
	require.NoError(t, err)

	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, 10, stats.Candidates, "untitled books are not candidates")
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 10, stats.RowsWritten)
	assert.Zero(t, stats.FailedBatches)
	assert.Equal(t, 3, emb.batchCount(), "one provider call per batch")
	assert.Zero(t, pendingCount(t, store))

	book, err := store.GetBook(context.Background(), "isbn-0003")
	require.NoError(t, err)
	assert.Equal(t, []float32{float32(len("Title 3")), 0, 0}, book.Embedding)
}

func TestBackfill_DefaultBatchSize(t *testing.T) {
	store := setupTestStorage(t, 300)
	emb := newMockEmbedder()

	stats, err := New(store, emb, workpool.New(1)).Backfill(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Batches)
	assert.Len(t, emb.batches[0], DefaultBatchSize)
}

func TestBackfill_FailedBatchIsSkipped(t *testing.T) {
	store := setupTestStorage(t, 6)
	emb := newMockEmbedder()
	emb.failOn["Title 2"] = true
	idx := New(store, emb, workpool.New(1))

	stats, err := idx.Backfill(context.Background(), Options{BatchSize: 2})
	require.NoError(t, err, "a failed batch is not fatal")
	assert.Equal(t, 1, stats.FailedBatches)
	assert.Equal(t, 4, stats.RowsWritten)
	require.Len(t, stats.ErrorMessages, 1)
	assert.Contains(t, stats.ErrorMessages[0], "isbn-0002..isbn-0003")
	assert.Equal(t, 2, pendingCount(t, store))

	// The failed batch is picked up once the provider recovers.
	delete(emb.failOn, "Title 2")
	stats, err = idx.Backfill(context.Background(), Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsWritten)
	assert.Zero(t, pendingCount(t, store))
}

func TestBackfill_DimensionMismatchFailsBatch(t *testing.T) {
	store := setupTestStorage(t, 3)
	emb := newMockEmbedder()
	emb.outputWidth = 5

	stats, err := New(store, emb, nil).Backfill(context.Background(), Options{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FailedBatches)
	assert.Zero(t, stats.RowsWritten)
	assert.Contains(t, stats.ErrorMessages[0], types.ErrDimensionDrift.Error())
	assert.Equal(t, 3, pendingCount(t, store))
}

func TestBackfill_Resumable(t *testing.T) {
	ctx := context.Background()
	store := setupTestStorage(t, 9)
	emb := newMockEmbedder()
	idx := New(store, emb, workpool.New(1))

	// Sentinel: a vector written before backfill must survive every run.
	sentinel := []float32{9, 9, 9}
	_, err := store.SetEmbeddings(ctx, []storage.EmbeddingWrite{{ISBN: "isbn-0000", Vector: sentinel}})
	require.NoError(t, err)

	stats, err := idx.Backfill(ctx, Options{BatchSize: 3, MaxBatches: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Batches)
	assert.Equal(t, 3, stats.RowsWritten)
	assert.Equal(t, 5, pendingCount(t, store))

	stats, err = idx.Backfill(ctx, Options{BatchSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.RowsWritten)
	assert.Zero(t, pendingCount(t, store))

	stats, err = idx.Backfill(ctx, Options{BatchSize: 3})
	require.NoError(t, err)
	assert.Zero(t, stats.Candidates)
	assert.Zero(t, stats.RowsWritten)

	book, err := store.GetBook(ctx, "isbn-0000")
	require.NoError(t, err)
	assert.Equal(t, sentinel, book.Embedding)
}

func TestBackfill_ConcurrentCallsRejected(t *testing.T) {
	store := setupTestStorage(t, 4)
	emb := newMockEmbedder()
	emb.block = make(chan struct{})
	idx := New(store, emb, workpool.New(1))

	done := make(chan error, 1)
	go func() {
		_, err := idx.Backfill(context.Background(), Options{BatchSize: 2})
		done <- err
	}()

	require.Eventually(t, idx.lock.Held, time.Second, time.Millisecond)
	_, err := idx.Backfill(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrBackfillInProgress)

	close(emb.block)
	require.NoError(t, <-done)
	assert.False(t, idx.lock.Held())
}

func TestBackfill_Progress(t *testing.T) {
	store := setupTestStorage(t, 7)
	var seen []Progress
	_, err := New(store, newMockEmbedder(), workpool.New(3)).Backfill(context.Background(), Options{
		BatchSize: 2,
		Progress:  func(p Progress) { seen = append(seen, p) },
	})
	require.NoError(t, err)
	require.Len(t, seen, 4)

	written := 0
	for _, p := range seen {
		assert.Equal(t, 4, p.TotalBatches)
		written += p.Written
	}
	assert.Equal(t, 7, written)
}

func TestBackfill_ContextCancellation(t *testing.T) {
	store := setupTestStorage(t, 10)
	emb := newMockEmbedder()
	emb.block = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stats, err := New(store, emb, workpool.New(1)).Backfill(ctx, Options{BatchSize: 2})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, stats)
	assert.Zero(t, stats.RowsWritten)
	assert.Equal(t, 10, pendingCount(t, store))
}

func TestBackfill_RejectsOversizedBatch(t *testing.T) {
	store := setupTestStorage(t, 1)
	_, err := New(store, newMockEmbedder(), nil).Backfill(context.Background(), Options{BatchSize: embedder.MaxBatchSize + 1})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestBackfill_StoreDown(t *testing.T) {
	store := setupTestStorage(t, 1)
	require.NoError(t, store.Close())
	_, err := New(store, newMockEmbedder(), nil).Backfill(context.Background(), Options{})
	assert.ErrorIs(t, err, types.ErrUnavailable)
}
