package types

import "strconv"

// Score bounds for an explicit rating.
const (
	MinScore = 1
	MaxScore = 10
)

// UnknownYear is rendered in place of a zero publication year.
const UnknownYear = "unknown"

// Book is a catalog entry.
type Book struct {
	ISBN      string
	Title     string
	Author    string
	Publisher string
	Year      int       // 0 = unknown
	Embedding []float32 // nil until backfilled
}

// Validate checks structural invariants of a Book.
func (b *Book) Validate() error {
	if b.ISBN == "" {
		return ErrEmptyISBN
	}
	if b.Year < 0 {
		return ErrNegativeYear
	}
	return nil
}

// HasEmbedding reports whether the backfill pipeline has written a vector.
func (b *Book) HasEmbedding() bool {
	return len(b.Embedding) > 0
}

// YearLabel renders the publication year, using "unknown" for zero.
func (b *Book) YearLabel() string {
	return FormatYear(b.Year)
}

// FormatYear renders a publication year for display.
func FormatYear(year int) string {
	if year <= 0 {
		return UnknownYear
	}
	return strconv.Itoa(year)
}

// User is a reader who can rate books.
type User struct {
	ID           int64
	Name         string
	Email        string // empty until enrichment
	PasswordHash string
	Location     string
	Age          int
}

// Rating is one user's score for one book. At most one exists per (UserID, ISBN).
type Rating struct {
	UserID int64
	ISBN   string
	Score  int
}

// Validate checks the rating before it reaches the store.
func (r *Rating) Validate() error {
	if r.UserID <= 0 {
		return ErrInvalidUserID
	}
	if r.ISBN == "" {
		return ErrEmptyISBN
	}
	if r.Score < MinScore || r.Score > MaxScore {
		return ErrScoreRange
	}
	return nil
}

// RatingAggregate is derived on every read: the mean and count of scores > 0.
type RatingAggregate struct {
	Average float64
	Count   int
}
