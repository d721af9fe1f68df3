package searcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/metrics"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/pkg/types"
)

// Config holds the ranking limits
type Config struct {
	SimilarityCandidates int `koanf:"similarity_candidates" validate:"gte=1"`
	SimilarityTopN       int `koanf:"similarity_top_n" validate:"gte=1"`
	RelationalTopN       int `koanf:"relational_top_n" validate:"gte=1"`
	PerTitleQuota        int `koanf:"per_title_quota" validate:"gte=1"`
}

// DefaultConfig returns the standard limits: 100 raw similarity candidates,
// 15 similarity results, 20 relational results, 2 per title.
func DefaultConfig() Config {
	return Config{
		SimilarityCandidates: 100,
		SimilarityTopN:       15,
		RelationalTopN:       20,
		PerTitleQuota:        2,
	}
}

// strategy pairs a retriever with the ranking applied to its output
type strategy struct {
	retriever Retriever
	policy    RankPolicy
}

// Searcher dispatches a query to the retriever for its mode and ranks the result
type Searcher struct {
	strategies map[types.Mode]strategy
	logger     zerolog.Logger
}

// NewSearcher wires one retriever per mode over the shared store and embedder
func NewSearcher(store storage.Storage, emb embedder.Embedder, cfg Config) *Searcher {
	relational := RankPolicy{TopN: cfg.RelationalTopN, PerTitleQuota: cfg.PerTitleQuota}
	return NewSearcherWith(map[types.Mode]Retriever{
		types.ModeSimilarity: NewSimilarityRetriever(store, emb, cfg.SimilarityCandidates),
		types.ModeAuthor:     NewAttributeRetriever(store, storage.AttributeAuthor),
		types.ModePublisher:  NewAttributeRetriever(store, storage.AttributePublisher),
		types.ModeExactKey:   NewExactKeyRetriever(store),
	}, cfg, relational)
}

// NewSearcherWith builds a Searcher from explicit retrievers. It panics if a
// declared mode has no retriever.
func NewSearcherWith(retrievers map[types.Mode]Retriever, cfg Config, relational RankPolicy) *Searcher {
	s := &Searcher{
		strategies: make(map[types.Mode]strategy, len(types.Modes)),
		logger:     logging.Component("searcher"),
	}
	for _, mode := range types.Modes {
		r, ok := retrievers[mode]
		if !ok {
			panic(fmt.Sprintf("searcher: no retriever for mode %s", mode))
		}
		policy := relational
		if mode == types.ModeSimilarity {
			policy = RankPolicy{TopN: cfg.SimilarityTopN, PerTitleQuota: cfg.PerTitleQuota, ByDistance: true}
		}
		s.strategies[mode] = strategy{retriever: r, policy: policy}
	}
	return s
}

// Search returns the ranked results for term under mode. A blank term yields
// an empty result without touching the store or the embedder. Retrieval
// failures return types.ErrUnavailable and no partial results.
func (s *Searcher) Search(ctx context.Context, mode types.Mode, term string) ([]types.SearchResult, error) {
	start := time.Now()
	results, err := s.search(ctx, mode, term)
	metrics.RecordSearch(mode.String(), time.Since(start), len(results), err)

	logger := logging.Ctx(ctx, s.logger)
	if err != nil {
		logger.Warn().Err(err).Str("mode", mode.String()).Int("term_len", len(term)).Msg("search failed")
		return nil, err
	}
	logger.Debug().Str("mode", mode.String()).Int("term_len", len(term)).
		Int("results", len(results)).Dur("took", time.Since(start)).Msg("search")
	return results, nil
}

func (s *Searcher) search(ctx context.Context, mode types.Mode, term string) ([]types.SearchResult, error) {
	st, ok := s.strategies[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidInput, types.ErrUnknownMode)
	}

	term = strings.TrimSpace(term)
	if term == "" {
		return []types.SearchResult{}, nil
	}

	candidates, err := st.retriever.Retrieve(ctx, term)
	if err != nil {
		return nil, err
	}
	return Rank(s.dropInvalid(ctx, mode, candidates), st.policy), nil
}

// dropInvalid removes candidates that break result invariants (empty isbn,
// negative distance) so they never reach ranking.
func (s *Searcher) dropInvalid(ctx context.Context, mode types.Mode, candidates []types.SearchResult) []types.SearchResult {
	valid := candidates[:0]
	for i := range candidates {
		if err := candidates[i].Validate(); err != nil {
			logger := logging.Ctx(ctx, s.logger)
			logger.Warn().Err(err).
				Str("mode", mode.String()).
				Str("isbn", candidates[i].ISBN).
				Msg("dropping invalid candidate")
			continue
		}
		valid = append(valid, candidates[i])
	}
	return valid
}
