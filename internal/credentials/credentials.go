// Package credentials hashes passwords and fills in login details for
// imported users that arrived without them.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/metrics"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/internal/workpool"
	"github.com/dshills/bookfinder/pkg/types"
)

// Config holds enrichment settings
type Config struct {
	BcryptCost      int    `koanf:"bcrypt_cost" validate:"gte=4,lte=31"`
	DefaultPassword string `koanf:"default_password" validate:"required"`
	EmailDomain     string `koanf:"email_domain" validate:"required,fqdn"`
	ChunkSize       int    `koanf:"chunk_size" validate:"gte=1"`
}

// DefaultConfig returns the enrichment defaults
func DefaultConfig() Config {
	return Config{
		BcryptCost:      bcrypt.DefaultCost,
		DefaultPassword: "changeme",
		EmailDomain:     "bookfinder.local",
		ChunkSize:       500,
	}
}

// Hash returns the bcrypt hash of password at the given cost
func Hash(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Verify reports whether password matches hash
func Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Result summarises an enrichment run
type Result struct {
	RunID      string        `json:"run_id"`
	Candidates int           `json:"candidates"`
	Enriched   int           `json:"enriched"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Enricher gives every user without an email a name, an email and a password hash
type Enricher struct {
	store  storage.Storage
	pool   *workpool.Pool
	cfg    Config
	logger zerolog.Logger
}

// NewEnricher creates an Enricher. A nil pool hashes on one goroutine per CPU.
func NewEnricher(store storage.Storage, pool *workpool.Pool, cfg Config) *Enricher {
	if pool == nil {
		pool = workpool.New(0)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Enricher{store: store, pool: pool, cfg: cfg, logger: logging.Component("credentials")}
}

// Run enriches all users whose email is null. Hashes are computed on the
// worker pool and matched back by user id; each chunk is written in one
// transaction. Users already enriched are skipped, so Run can be repeated.
func (e *Enricher) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.New().String()}
	logger := e.logger.With().Str("run_id", res.RunID).Logger()

	users, err := e.store.ListUsersWithoutEmail(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", types.ErrUnavailable, err)
	}
	res.Candidates = len(users)

	for i := 0; i < len(users); i += e.cfg.ChunkSize {
		chunk := users[i:min(i+e.cfg.ChunkSize, len(users))]
		enriched, failed, err := e.enrichChunk(ctx, chunk)
		res.Enriched += enriched
		res.Failed += failed
		metrics.RecordEnrichment(enriched, failed)
		if err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		logger.Info().Int("done", i+len(chunk)).Int("total", len(users)).Msg("enrichment progress")
	}

	res.Duration = time.Since(start)
	logger.Info().Int("enriched", res.Enriched).Int("failed", res.Failed).Dur("took", res.Duration).Msg("enrichment finished")
	return res, nil
}

func (e *Enricher) enrichChunk(ctx context.Context, chunk []*types.User) (int, int, error) {
	results, err := workpool.Run(ctx, e.pool, chunk,
		func(u *types.User) int64 { return u.ID },
		func(_ context.Context, _ *types.User) (string, error) {
			return Hash(e.cfg.DefaultPassword, e.cfg.BcryptCost)
		})
	if err != nil {
		return 0, 0, err
	}

	hashes := workpool.Index(results)
	updates := make([]*types.User, 0, len(chunk))
	failed := 0
	for _, u := range chunk {
		h := hashes[u.ID]
		if h.Err != nil {
			failed++
			e.logger.Error().Err(h.Err).Int64("user_id", u.ID).Msg("hash failed")
			continue
		}
		updates = append(updates, Enrich(u, e.cfg.EmailDomain, h.Value))
	}
	if len(updates) == 0 {
		return 0, failed, nil
	}

	var written int
	err = storage.WithTx(ctx, e.store, func(tx storage.Tx) error {
		var err error
		written, err = tx.SetCredentials(ctx, updates)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrBeginTx) {
			return 0, failed, fmt.Errorf("%w: %w", types.ErrUnavailable, err)
		}
		return 0, failed + len(updates), fmt.Errorf("%w: write credentials: %w", types.ErrPersistence, err)
	}
	return written, failed, nil
}

// Enrich returns a copy of u with generated name, email and the given hash
func Enrich(u *types.User, domain, hash string) *types.User {
	out := *u
	if out.Name == "" {
		out.Name = fmt.Sprintf("Reader %d", u.ID)
	}
	out.Email = fmt.Sprintf("user%d@%s", u.ID, domain)
	out.PasswordHash = hash
	return &out
}
