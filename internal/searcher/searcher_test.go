package searcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/pkg/types"
)

// fakeEmbedder returns fixed vectors per text and counts calls
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[req.Text]
	if !ok {
		v = []float32{0, 0}
	}
	return &embedder.Embedding{Vector: v, Dimension: len(v)}, nil
}

func (f *fakeEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	resp := &embedder.BatchEmbeddingResponse{}
	for _, text := range req.Texts {
		e, err := f.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, e)
	}
	return resp, nil
}

func (f *fakeEmbedder) Dimension() int   { return 2 }
func (f *fakeEmbedder) Provider() string { return "fake" }
func (f *fakeEmbedder) Model() string    { return "fake" }
func (f *fakeEmbedder) Close() error     { return nil }

func setupSearcher(t *testing.T) (*Searcher, *storage.SQLiteStorage, *fakeEmbedder) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// A, B and C sit at the same distance from the "Dune" query vector.
	books := []*types.Book{
		{ISBN: "A", Title: "Dune", Author: "Frank Herbert", Publisher: "Chilton", Year: 1965, Embedding: []float32{0.1, 0}},
		{ISBN: "B", Title: "Dune", Author: "Frank Herbert", Publisher: "Ace", Year: 2005, Embedding: []float32{0, 0.1}},
		{ISBN: "C", Title: "Dune", Author: "Frank Herbert", Publisher: "Ace", Year: 1990, Embedding: []float32{-0.1, 0}},
		{ISBN: "D", Title: "Children of Dune", Author: "Frank Herbert", Publisher: "Ace", Year: 0, Embedding: []float32{0.5, 0.5}},
		{ISBN: "E", Title: "Hyperion", Author: "Dan Simmons", Publisher: "Doubleday", Year: 1989, Embedding: []float32{3, 4}},
		{ISBN: "F", Title: "Emma", Author: "Jane Austen", Publisher: "100% Classics", Year: 2001},
	}
	_, err = store.AddBooks(ctx, books)
	require.NoError(t, err)
	_, err = store.AddUsers(ctx, []*types.User{{ID: 1}, {ID: 2}, {ID: 3}})
	require.NoError(t, err)

	emb := &fakeEmbedder{vectors: map[string][]float32{"Dune": {0, 0}}}
	return NewSearcher(store, emb, DefaultConfig()), store, emb
}

func TestSearch_SimilarityExample(t *testing.T) {
	s, _, _ := setupSearcher(t)

	results, err := s.Search(context.Background(), types.ModeSimilarity, "Dune")
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(results), 2)
	assert.Equal(t, []string{"B", "C"}, resultISBNs(results[:2]))
	assert.NotContains(t, resultISBNs(results), "A")
	for _, r := range results {
		assert.True(t, r.HasDistance())
	}
	assert.NotContains(t, resultISBNs(results), "F", "books without embeddings are not candidates")
}

func TestSearch_Author(t *testing.T) {
	s, store, _ := setupSearcher(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertRating(ctx, &types.Rating{UserID: 1, ISBN: "C", Score: 8}))
	require.NoError(t, store.UpsertRating(ctx, &types.Rating{UserID: 2, ISBN: "C", Score: 6}))

	results, err := s.Search(ctx, types.ModeAuthor, "  herbert ")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "D"}, resultISBNs(results))
	assert.Equal(t, types.UnknownYear, results[2].YearLabel())
	assert.Equal(t, 7.0, results[1].AverageRating)
	assert.Equal(t, 2, results[1].RatingCount)
	for _, r := range results {
		assert.False(t, r.HasDistance())
	}
}

func TestSearch_PublisherWildcardIsLiteral(t *testing.T) {
	s, _, _ := setupSearcher(t)

	results, err := s.Search(context.Background(), types.ModePublisher, "100%")
	require.NoError(t, err)
	assert.Equal(t, []string{"F"}, resultISBNs(results))

	results, err = s.Search(context.Background(), types.ModePublisher, "_")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_ExactKey(t *testing.T) {
	s, _, _ := setupSearcher(t)
	ctx := context.Background()

	results, err := s.Search(ctx, types.ModeExactKey, "E")
	require.NoError(t, err)
	assert.Equal(t, []string{"E"}, resultISBNs(results))

	results, err = s.Search(ctx, types.ModeExactKey, "e")
	require.NoError(t, err)
	assert.Empty(t, results, "isbn match is case-sensitive")
}

func TestSearch_EmptyTermSkipsRetrieval(t *testing.T) {
	s, store, emb := setupSearcher(t)
	require.NoError(t, store.Close())

	for _, mode := range types.Modes {
		results, err := s.Search(context.Background(), mode, "   ")
		require.NoError(t, err)
		assert.Empty(t, results)
	}
	assert.Zero(t, emb.calls)
}

func TestSearch_Unavailable(t *testing.T) {
	t.Run("embedder failure", func(t *testing.T) {
		s, _, emb := setupSearcher(t)
		emb.err = errors.New("connection refused")

		results, err := s.Search(context.Background(), types.ModeSimilarity, "Dune")
		assert.ErrorIs(t, err, types.ErrUnavailable)
		assert.Nil(t, results)
	})

	t.Run("store failure", func(t *testing.T) {
		s, store, _ := setupSearcher(t)
		require.NoError(t, store.Close())

		for _, mode := range types.Modes {
			results, err := s.Search(context.Background(), mode, "Dune")
			assert.ErrorIs(t, err, types.ErrUnavailable, mode.String())
			assert.Nil(t, results)
		}
	})
}

func TestSearch_UnknownMode(t *testing.T) {
	s, _, _ := setupSearcher(t)
	_, err := s.Search(context.Background(), types.Mode(99), "Dune")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestNewSearcherWith_RequiresEveryMode(t *testing.T) {
	assert.Panics(t, func() {
		NewSearcherWith(map[types.Mode]Retriever{}, DefaultConfig(), RankPolicy{})
	})
}

// staticRetriever returns the same candidates for every term
type staticRetriever []types.SearchResult

func (r staticRetriever) Retrieve(context.Context, string) ([]types.SearchResult, error) {
	return append([]types.SearchResult(nil), r...), nil
}

func TestSearch_DropsInvalidCandidates(t *testing.T) {
	near, far, negative := 0.1, 0.2, -0.5
	candidates := staticRetriever{
		{ISBN: "A", Title: "Dune", Year: 1965, Distance: &near},
		{ISBN: "", Title: "Ghost", Year: 2010, Distance: &near},
		{ISBN: "B", Title: "Negative", Year: 2000, Distance: &negative},
		{ISBN: "C", Title: "Hyperion", Year: 1989, Distance: &far},
	}
	retrievers := map[types.Mode]Retriever{}
	for _, mode := range types.Modes {
		retrievers[mode] = candidates
	}
	cfg := DefaultConfig()
	s := NewSearcherWith(retrievers, cfg, RankPolicy{TopN: cfg.RelationalTopN, PerTitleQuota: cfg.PerTitleQuota})

	tests := []struct {
		mode types.Mode
		want []string
	}{
		{types.ModeSimilarity, []string{"A", "C"}},
		{types.ModeAuthor, []string{"A", "C"}},
		{types.ModeExactKey, []string{"A", "C"}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			results, err := s.Search(context.Background(), tt.mode, "x")
			require.NoError(t, err)
			got := make([]string, 0, len(results))
			for _, r := range results {
				require.NoError(t, r.Validate())
				got = append(got, r.ISBN)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearch_Properties(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rng := rand.New(rand.NewSource(42))
	var books []*types.Book
	for i := 0; i < 120; i++ {
		books = append(books, &types.Book{
			ISBN:      fmt.Sprintf("isbn-%03d", i),
			Title:     fmt.Sprintf("Title %d", i%9),
			Author:    "Common Author",
			Publisher: "Common House",
			Year:      rng.Intn(4) * 1000 % 2024,
			Embedding: []float32{rng.Float32(), rng.Float32()},
		})
	}
	_, err = store.AddBooks(ctx, books)
	require.NoError(t, err)

	s := NewSearcher(store, &fakeEmbedder{}, DefaultConfig())

	t.Run("similarity", func(t *testing.T) {
		results, err := s.Search(ctx, types.ModeSimilarity, "anything")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(results), 15)
		assertQuota(t, results)
		for i := 1; i < len(results); i++ {
			assert.LessOrEqual(t, results[i-1].DistanceOrZero(), results[i].DistanceOrZero())
		}
	})

	for _, mode := range []types.Mode{types.ModeAuthor, types.ModePublisher} {
		t.Run(mode.String(), func(t *testing.T) {
			results, err := s.Search(ctx, mode, "common")
			require.NoError(t, err)
			assert.LessOrEqual(t, len(results), 20)
			assertQuota(t, results)
			for i := 1; i < len(results); i++ {
				assert.LessOrEqual(t, storage.CompareYearDesc(results[i-1].Year, results[i].Year), 0)
			}
		})
	}
}

func assertQuota(t *testing.T, results []types.SearchResult) {
	t.Helper()
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Title]++
		assert.LessOrEqual(t, counts[r.Title], 2, r.Title)
	}
}
