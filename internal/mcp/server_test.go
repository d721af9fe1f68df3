package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bookfinder/internal/app"
	"github.com/dshills/bookfinder/internal/config"
	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "books.db")
	cfg.Embedding.Provider = embedder.ProviderLocal
	cfg.Embedding.Dimension = 8

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	_, err = a.Store.AddBooks(ctx, []*types.Book{
		{ISBN: "0439136350", Title: "Harry Potter and the Prisoner of Azkaban", Author: "J. K. Rowling", Year: 1999, Publisher: "Scholastic"},
		{ISBN: "0590353403", Title: "Harry Potter and the Sorcerer's Stone", Author: "J. K. Rowling", Publisher: "Scholastic"},
	})
	require.NoError(t, err)
	_, err = a.Store.AddUsers(ctx, []*types.User{{ID: 1}})
	require.NoError(t, err)

	return NewServer(a)
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code)
}

func TestHandleSearchBooks(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSearchBooks(ctx, call(map[string]interface{}{"mode": "author", "term": "rowling"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, "author", out["mode"])
	assert.EqualValues(t, 2, out["count"])

	results := out["results"].([]interface{})
	first := results[0].(map[string]interface{})
	assert.Equal(t, "1999", first["year"], "known years sort first")
	second := results[1].(map[string]interface{})
	assert.Equal(t, "unknown", second["year"])
	assert.NotContains(t, first, "distance")
}

func TestHandleSearchBooks_InvalidParams(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing mode", map[string]interface{}{"term": "x"}},
		{"unknown mode", map[string]interface{}{"mode": "genre", "term": "x"}},
		{"empty term", map[string]interface{}{"mode": "author", "term": "  "}},
		{"missing term", map[string]interface{}{"mode": "author"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.handleSearchBooks(context.Background(), call(tt.args))
			requireCode(t, err, ErrorCodeInvalidParams)
		})
	}
}

func TestHandleRateBook(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRateBook(ctx, call(map[string]interface{}{"user_id": float64(1), "isbn": "0439136350", "score": float64(8)}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["rated"])

	_, err = s.handleRateBook(ctx, call(map[string]interface{}{"user_id": float64(99), "isbn": "0439136350", "score": float64(8)}))
	requireCode(t, err, ErrorCodeReferentialViolation)

	_, err = s.handleRateBook(ctx, call(map[string]interface{}{"user_id": float64(1), "isbn": "0439136350", "score": float64(11)}))
	requireCode(t, err, ErrorCodeInvalidParams)

	_, err = s.handleRateBook(ctx, call(map[string]interface{}{"user_id": "one", "isbn": "0439136350", "score": float64(8)}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestHandleRateBook_TruncatesFractions(t *testing.T) {
	tests := []struct {
		name      string
		userID    interface{}
		score     interface{}
		wantScore float64
		wantCode  int
	}{
		{"fractional score", float64(1), 7.5, 7, 0},
		{"fractional score just below max", float64(1), 10.9, 10, 0},
		{"fractional user id", 1.9, float64(6), 6, 0},
		{"fraction truncates below range", float64(1), 0.5, 0, ErrorCodeInvalidParams},
		{"out of int range", 1e300, float64(6), 0, ErrorCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			ctx := context.Background()

			res, err := s.handleRateBook(ctx, call(map[string]interface{}{"user_id": tt.userID, "isbn": "0439136350", "score": tt.score}))
			if tt.wantCode != 0 {
				requireCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			out := decode(t, res)
			assert.EqualValues(t, 1, out["user_id"])
			assert.EqualValues(t, tt.wantScore, out["score"])

			agg, err := s.app.Ratings.Aggregate(ctx, "0439136350")
			require.NoError(t, err)
			assert.Equal(t, 1, agg.Count)
			assert.InDelta(t, tt.wantScore, agg.Average, 1e-9)
		})
	}
}

func TestHandleBackfillAndStatus(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleCatalogStatus(ctx, call(nil))
	require.NoError(t, err)
	embeddings := decode(t, res)["embeddings"].(map[string]interface{})
	assert.EqualValues(t, 2, embeddings["pending"])

	res, err = s.handleBackfillEmbeddings(ctx, call(map[string]interface{}{"batch_size": float64(1)}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.EqualValues(t, 2, out["rows_written"])
	assert.EqualValues(t, 2, out["batches"])

	res, err = s.handleCatalogStatus(ctx, call(nil))
	require.NoError(t, err)
	embeddings = decode(t, res)["embeddings"].(map[string]interface{})
	assert.EqualValues(t, 0, embeddings["pending"])
	assert.Equal(t, embedder.ProviderLocal, embeddings["provider"])

	res, err = s.handleSearchBooks(ctx, call(map[string]interface{}{"mode": "similarity", "term": "Harry Potter and the Sorcerer's Stone"}))
	require.NoError(t, err)
	first := decode(t, res)["results"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "0590353403", first["isbn"])
	assert.Contains(t, first, "distance")

	_, err = s.handleBackfillEmbeddings(ctx, call(map[string]interface{}{"batch_size": float64(-1)}))
	requireCode(t, err, ErrorCodeInvalidParams)
}

func TestHandleCatalogStatus_StoreDown(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.app.Store.Close())
	_, err := s.handleCatalogStatus(context.Background(), call(nil))
	requireCode(t, err, ErrorCodeUnavailable)
}

func TestRegisteredTools(t *testing.T) {
	s := newTestServer(t)
	tools := s.mcp.ListTools()
	for _, name := range []string{"search_books", "rate_book", "backfill_embeddings", "catalog_status"} {
		assert.Contains(t, tools, name)
	}
}
