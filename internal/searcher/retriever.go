package searcher

import (
	"context"
	"fmt"

	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/pkg/types"
)

// Retriever produces raw candidates for one search mode, already joined with
// their rating aggregates and in the mode's incoming order.
type Retriever interface {
	Retrieve(ctx context.Context, term string) ([]types.SearchResult, error)
}

// SimilarityRetriever embeds the term and asks the store for its nearest books
type SimilarityRetriever struct {
	store    storage.Storage
	embedder embedder.Embedder
	limit    int
}

// NewSimilarityRetriever creates a retriever capped at limit raw candidates
func NewSimilarityRetriever(store storage.Storage, emb embedder.Embedder, limit int) *SimilarityRetriever {
	return &SimilarityRetriever{store: store, embedder: emb, limit: limit}
}

func (r *SimilarityRetriever) Retrieve(ctx context.Context, term string) ([]types.SearchResult, error) {
	emb, err := r.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: term})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", types.ErrUnavailable, err)
	}
	results, err := r.store.SearchVector(ctx, emb.Vector, r.limit)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %w", types.ErrUnavailable, err)
	}
	return results, nil
}

// AttributeRetriever matches a case-insensitive substring of author or publisher
type AttributeRetriever struct {
	store storage.Storage
	attr  storage.Attribute
}

// NewAttributeRetriever creates a retriever over the given column
func NewAttributeRetriever(store storage.Storage, attr storage.Attribute) *AttributeRetriever {
	return &AttributeRetriever{store: store, attr: attr}
}

func (r *AttributeRetriever) Retrieve(ctx context.Context, term string) ([]types.SearchResult, error) {
	results, err := r.store.SearchAttribute(ctx, r.attr, term)
	if err != nil {
		return nil, fmt.Errorf("%w: %s search: %w", types.ErrUnavailable, r.attr, err)
	}
	return results, nil
}

// ExactKeyRetriever looks up a single book by isbn
type ExactKeyRetriever struct {
	store storage.Storage
}

// NewExactKeyRetriever creates an isbn lookup retriever
func NewExactKeyRetriever(store storage.Storage) *ExactKeyRetriever {
	return &ExactKeyRetriever{store: store}
}

func (r *ExactKeyRetriever) Retrieve(ctx context.Context, term string) ([]types.SearchResult, error) {
	results, err := r.store.LookupISBN(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("%w: isbn lookup: %w", types.ErrUnavailable, err)
	}
	return results, nil
}
