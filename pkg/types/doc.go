// Package types provides the domain types shared by the bookfinder engine.
//
// # Core Types
//
// Book is a catalog entry keyed by ISBN. Its embedding is optional and is
// written once by the backfill pipeline:
//
//	book := types.Book{
//	    ISBN:      "0441013597",
//	    Title:     "Dune",
//	    Author:    "Frank Herbert",
//	    Publisher: "Ace",
//	    Year:      1965,
//	}
//
// SearchResult joins a Book with its RatingAggregate and, for similarity
// queries only, the vector distance to the query:
//
//	for _, r := range results {
//	    fmt.Printf("%s (%s) %.1f/%d\n", r.Title, r.YearLabel(), r.AverageRating, r.RatingCount)
//	}
//
// # Search Modes
//
// Mode is a closed set: ModeSimilarity, ModeAuthor, ModePublisher and
// ModeExactKey. ParseMode maps the wire names used by the MCP and HTTP
// surfaces onto it.
//
// # Error Kinds
//
// Operations report failures by wrapping one of the kind sentinels so
// callers can branch with errors.Is:
//
//	switch {
//	case errors.Is(err, types.ErrInvalidInput):
//	case errors.Is(err, types.ErrReferentialViolation):
//	case errors.Is(err, types.ErrUnavailable):
//	case errors.Is(err, types.ErrPersistence):
//	}
package types
