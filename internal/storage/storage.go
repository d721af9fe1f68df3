package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/bookfinder/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrForeignKey is returned when a write references a missing user or book
	ErrForeignKey = errors.New("foreign key violation")
	// ErrNestedTx is returned by BeginTx on a transaction
	ErrNestedTx = errors.New("nested transactions not supported")
	// ErrBeginTx is returned by WithTx when no transaction could be opened
	ErrBeginTx = errors.New("begin transaction")
)

// Storage defines the interface for the book catalog, ratings and embeddings
type Storage interface {
	// Catalog operations
	AddBooks(ctx context.Context, books []*types.Book) (inserted int, err error)
	GetBook(ctx context.Context, isbn string) (*types.Book, error)
	AddUsers(ctx context.Context, users []*types.User) (inserted int, err error)
	GetUser(ctx context.Context, userID int64) (*types.User, error)

	// Rating operations
	UpsertRating(ctx context.Context, rating *types.Rating) error
	GetRating(ctx context.Context, userID int64, isbn string) (*types.Rating, error)
	GetAggregate(ctx context.Context, isbn string) (*types.RatingAggregate, error)

	// Retrieval operations. Every row carries its rating aggregate.
	SearchVector(ctx context.Context, vector []float32, limit int) ([]types.SearchResult, error)
	SearchAttribute(ctx context.Context, attr Attribute, term string) ([]types.SearchResult, error)
	LookupISBN(ctx context.Context, isbn string) ([]types.SearchResult, error)

	// Embedding operations
	ListMissingEmbeddings(ctx context.Context) ([]PendingEmbedding, error)
	SetEmbeddings(ctx context.Context, writes []EmbeddingWrite) (written int, err error)

	// Credential operations
	ListUsersWithoutEmail(ctx context.Context) ([]*types.User, error)
	SetCredentials(ctx context.Context, users []*types.User) (written int, err error)

	// Status operations
	GetStatus(ctx context.Context) (*CatalogStatus, error)

	// Database operations
	Ping(ctx context.Context) error
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage // Embed Storage interface for transaction operations
}

// Attribute names a relational column that supports substring search.
type Attribute string

const (
	AttributeAuthor    Attribute = "author"
	AttributePublisher Attribute = "publisher"
)

// Valid reports whether a is a searchable column.
func (a Attribute) Valid() bool {
	return a == AttributeAuthor || a == AttributePublisher
}

// PendingEmbedding is a book selected for backfill.
type PendingEmbedding struct {
	ISBN  string
	Title string
}

// EmbeddingWrite pairs an ISBN with its computed vector.
type EmbeddingWrite struct {
	ISBN   string
	Vector []float32
}

// CatalogStatus contains catalog and index statistics
type CatalogStatus struct {
	Backend           string `json:"backend"`
	Books             int    `json:"books"`
	Embedded          int    `json:"embedded"`
	PendingEmbeddings int    `json:"pending_embeddings"`
	Users             int    `json:"users"`
	UsersWithoutEmail int    `json:"users_without_email"`
	Ratings           int    `json:"ratings"`
	Dimension         int    `json:"dimension"`
}

// escapeLike escapes LIKE wildcards so term matches as a literal substring.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(term) + "%"
}

// WithTx runs fn inside a transaction on s, committing on success and
// rolling back on any error or panic.
func WithTx(ctx context.Context, s Storage, fn func(tx Tx) error) (err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBeginTx, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
