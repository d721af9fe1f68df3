// Package rating records a reader's score for a book.
//
// A rating is an upsert keyed by (user, isbn): the first call inserts, later
// calls overwrite, and concurrent writes to the same key resolve last-write-wins
// in the store. Aggregates are never pushed; callers re-run their search to see
// refreshed averages.
package rating

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/metrics"
	"github.com/dshills/bookfinder/internal/storage"
	"github.com/dshills/bookfinder/internal/validation"
	"github.com/dshills/bookfinder/pkg/types"
)

// Request is a validated rating input
type Request struct {
	UserID int64  `json:"user_id" validate:"gt=0"`
	ISBN   string `json:"isbn" validate:"required"`
	Score  int    `json:"score" validate:"min=1,max=10"`
}

// Service performs rating upserts
type Service struct {
	store  storage.Storage
	logger zerolog.Logger
}

// NewService creates a rating service over store
func NewService(store storage.Storage) *Service {
	return &Service{store: store, logger: logging.Component("rating")}
}

// Rate inserts or overwrites the user's score for isbn.
//
// Input is checked before any I/O (types.ErrInvalidInput). A missing user or
// book yields types.ErrReferentialViolation. Any other write failure rolls the
// transaction back and yields types.ErrPersistence wrapping the cause.
func (s *Service) Rate(ctx context.Context, userID int64, isbn string, score int) error {
	err := s.rate(ctx, Request{UserID: userID, ISBN: isbn, Score: score})
	metrics.RecordRating(err)

	logger := logging.Ctx(ctx, s.logger)
	if err != nil {
		logger.Warn().Err(err).Int64("user_id", userID).Str("isbn", isbn).Msg("rating rejected")
		return err
	}
	logger.Debug().Int64("user_id", userID).Str("isbn", isbn).Int("score", score).Msg("rating stored")
	return nil
}

func (s *Service) rate(ctx context.Context, req Request) error {
	if err := validation.Struct(&req); err != nil {
		return err
	}

	err := storage.WithTx(ctx, s.store, func(tx storage.Tx) error {
		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			return fmt.Errorf("user %d: %w", req.UserID, err)
		}
		if _, err := tx.GetBook(ctx, req.ISBN); err != nil {
			return fmt.Errorf("book %s: %w", req.ISBN, err)
		}
		return tx.UpsertRating(ctx, &types.Rating{UserID: req.UserID, ISBN: req.ISBN, Score: req.Score})
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrForeignKey):
		return fmt.Errorf("%w: %w", types.ErrReferentialViolation, err)
	case errors.Is(err, storage.ErrBeginTx):
		return fmt.Errorf("%w: %w", types.ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", types.ErrPersistence, err)
	}
}

// Aggregate returns the current mean and count of non-zero scores for isbn
func (s *Service) Aggregate(ctx context.Context, isbn string) (*types.RatingAggregate, error) {
	agg, err := s.store.GetAggregate(ctx, isbn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrUnavailable, err)
	}
	return agg, nil
}
