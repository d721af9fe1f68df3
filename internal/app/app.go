// Package app wires configuration into the store, the embedder and the
// services that the MCP and HTTP surfaces call.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/bookfinder/internal/config"
	"github.com/dshills/bookfinder/internal/credentials"
	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/metrics"
	"github.com/dshills/bookfinder/internal/rating"
	"github.com/dshills/bookfinder/internal/searcher"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/internal/workpool"
	"github.com/dshills/bookfinder/pkg/types"
)

// App holds the long-lived services of one process
type App struct {
	Config   *config.Config
	Store    storage.Storage
	Embedder *embedder.Guarded
	Searcher *searcher.Searcher
	Ratings  *rating.Service
	Indexer  *indexer.Indexer
	Enricher *credentials.Enricher

	logger zerolog.Logger
}

// New opens the configured store and embedder and builds every service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return NewWith(cfg, store, emb), nil
}

// NewWith builds the services over an already opened store and embedder.
// The embedder is wrapped in a circuit breaker; the App owns both.
func NewWith(cfg *config.Config, store storage.Storage, emb embedder.Embedder) *App {
	guarded := embedder.NewGuarded(emb, embedder.BreakerConfig{
		Name:             "embedder",
		MaxRequests:      cfg.Embedding.Breaker.MaxRequests,
		Interval:         cfg.Embedding.Breaker.Interval,
		Timeout:          cfg.Embedding.Breaker.Timeout,
		FailureThreshold: cfg.Embedding.Breaker.FailureThreshold,
		OnStateChange:    metrics.BreakerStateChanged,
	})
	pool := workpool.New(cfg.Backfill.Workers)

	a := &App{
		Config:   cfg,
		Store:    store,
		Embedder: guarded,
		Searcher: searcher.NewSearcher(store, guarded, cfg.Search),
		Ratings:  rating.NewService(store),
		Indexer:  indexer.New(store, guarded, pool),
		Enricher: credentials.NewEnricher(store, pool, cfg.Credentials),
		logger:   logging.Component("app"),
	}
	a.logger.Info().
		Str("provider", guarded.Provider()).
		Str("model", guarded.Model()).
		Int("dimension", guarded.Dimension()).
		Int("workers", pool.Workers()).
		Msg("services ready")
	return a
}

// OpenStore opens the store selected by cfg.Database.Driver
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Database.Driver {
	case "postgres":
		store, err := storage.NewPostgresStorage(ctx, storage.PostgresConfig{
			DSN:       cfg.Database.DSN,
			Dimension: cfg.Dimension(),
			MaxConns:  cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
		return store, nil
	case "sqlite", "":
		store, err := storage.NewSQLiteStorage(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", types.ErrInvalidInput, cfg.Database.Driver)
	}
}

// Search runs one query
func (a *App) Search(ctx context.Context, mode types.Mode, term string) ([]types.SearchResult, error) {
	return a.Searcher.Search(ctx, mode, term)
}

// Rate records a score
func (a *App) Rate(ctx context.Context, userID int64, isbn string, score int) error {
	return a.Ratings.Rate(ctx, userID, isbn, score)
}

// Backfill runs one embedding backfill. A zero batch size uses the configured one.
func (a *App) Backfill(ctx context.Context, opts indexer.Options) (*indexer.Statistics, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = a.Config.Backfill.BatchSize
	}
	stats, err := a.Indexer.Backfill(ctx, opts)
	if err != nil {
		return stats, err
	}
	if status, err := a.Status(ctx); err == nil {
		a.logger.Info().
			Int("embedded", status.Embedded).
			Int("pending", status.PendingEmbeddings).
			Msg("catalog status after backfill")
	}
	return stats, nil
}

// Status reports catalog counts. A store failure is types.ErrUnavailable.
func (a *App) Status(ctx context.Context) (*storage.CatalogStatus, error) {
	status, err := a.Store.GetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: status: %w", types.ErrUnavailable, err)
	}
	return status, nil
}

// Healthy pings the store
func (a *App) Healthy(ctx context.Context) error {
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", types.ErrUnavailable, err)
	}
	return nil
}

// Close releases the embedder and the store
func (a *App) Close() error {
	return errors.Join(a.Embedder.Close(), a.Store.Close())
}
