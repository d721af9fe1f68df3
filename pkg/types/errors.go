package types

import "errors"

// Error kinds surfaced by the engine. Wrap causes with
// fmt.Errorf("%w: ...: %w", kind, cause) so both remain matchable.
var (
	// ErrUnavailable means the store or the embedding provider could not serve the call.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrReferentialViolation means a rating referenced a missing user or book.
	ErrReferentialViolation = errors.New("referential violation")
	// ErrPersistence means a validated write failed and was rolled back.
	ErrPersistence = errors.New("persistence error")
	// ErrInvalidInput means the request was rejected before any I/O.
	ErrInvalidInput = errors.New("invalid input")
)

// Domain errors for type validation
var (
	ErrEmptyISBN      = errors.New("isbn cannot be empty")
	ErrInvalidUserID  = errors.New("user id must be positive")
	ErrScoreRange     = errors.New("score must be between 1 and 10")
	ErrUnknownMode    = errors.New("unknown search mode")
	ErrNegativeYear   = errors.New("year cannot be negative")
	ErrNegativeDist   = errors.New("distance cannot be negative")
	ErrDimensionDrift = errors.New("embedding dimension mismatch")
)
