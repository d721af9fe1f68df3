package types

// SearchResult is a Book joined with its RatingAggregate. Distance is set
// only for similarity queries (lower is more similar).
type SearchResult struct {
	ISBN          string   `json:"isbn"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	Year          int      `json:"year"`
	Publisher     string   `json:"publisher"`
	Distance      *float64 `json:"distance,omitempty"`
	AverageRating float64  `json:"avg_rating"`
	RatingCount   int      `json:"rating_count"`
}

// Validate checks the invariants of a ranked result.
func (r *SearchResult) Validate() error {
	if r.ISBN == "" {
		return ErrEmptyISBN
	}
	if r.Distance != nil && *r.Distance < 0 {
		return ErrNegativeDist
	}
	return nil
}

// HasDistance reports whether the result came from a similarity query.
func (r *SearchResult) HasDistance() bool {
	return r.Distance != nil
}

// DistanceOrZero returns the distance, or 0 for relational results.
func (r *SearchResult) DistanceOrZero() float64 {
	if r.Distance == nil {
		return 0
	}
	return *r.Distance
}

// YearLabel renders the publication year, using "unknown" for zero.
func (r *SearchResult) YearLabel() string {
	return FormatYear(r.Year)
}
