package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/dshills/bookfinder/pkg/types"
)

// searchVector runs an L2 nearest-neighbour query over embedded books.
func searchVector(ctx context.Context, q querier, queryVector []float32, limit int) ([]types.SearchResult, error) {
	if limit <= 0 || len(queryVector) == 0 {
		return []types.SearchResult{}, nil
	}
	// Use SQL-side distance when sqlite-vec is loaded
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, q, queryVector, limit)
	}
	return searchVectorFallback(ctx, q, queryVector, limit)
}

// searchVectorOptimized lets sqlite-vec compute and order distances.
func searchVectorOptimized(ctx context.Context, q querier, queryVector []float32, limit int) ([]types.SearchResult, error) {
	query := `SELECT ` + sqliteCandidateColumns + `,
			vec_distance_l2(b.embedding, ?) AS distance
		FROM books b
		LEFT JOIN ratings r ON r.isbn = b.isbn
		WHERE b.embedding IS NOT NULL AND LENGTH(b.embedding) = ?
		GROUP BY b.isbn
		ORDER BY distance ASC, NULLIF(b.year, 0) DESC NULLS LAST, b.isbn
		LIMIT ?
	`
	rows, err := q.QueryContext(ctx, query, serializeVector(queryVector), len(queryVector)*4, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.SearchResult, 0, limit)
	for rows.Next() {
		var r types.SearchResult
		var distance float64
		if err := rows.Scan(&r.ISBN, &r.Title, &r.Author, &r.Year, &r.Publisher,
			&r.AverageRating, &r.RatingCount, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Distance = &distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchVectorFallback computes distances in Go for purego builds.
func searchVectorFallback(ctx context.Context, q querier, queryVector []float32, limit int) ([]types.SearchResult, error) {
	query := `SELECT ` + sqliteCandidateColumns + `, b.embedding
		FROM books b
		LEFT JOIN ratings r ON r.isbn = b.isbn
		WHERE b.embedding IS NOT NULL
		GROUP BY b.isbn
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeDistances(rows, queryVector)
	if err != nil {
		return nil, err
	}

	SortByDistance(candidates)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// computeDistances scans candidate rows and attaches their L2 distance to the query
func computeDistances(rows *sql.Rows, queryVector []float32) ([]types.SearchResult, error) {
	candidates := make([]types.SearchResult, 0, 256)
	for rows.Next() {
		var r types.SearchResult
		var blob []byte
		if err := rows.Scan(&r.ISBN, &r.Title, &r.Author, &r.Year, &r.Publisher,
			&r.AverageRating, &r.RatingCount, &blob); err != nil {
			return nil, err
		}

		vector := deserializeVector(blob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, skip
		}

		distance := L2Distance(queryVector, vector)
		r.Distance = &distance
		candidates = append(candidates, r)
	}
	return candidates, rows.Err()
}

// SortByDistance orders candidates by ascending distance, then descending
// year with unknown years last, then isbn.
func SortByDistance(candidates []types.SearchResult) {
	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := candidates[i].DistanceOrZero(), candidates[j].DistanceOrZero()
		if di != dj {
			return di < dj
		}
		if c := CompareYearDesc(candidates[i].Year, candidates[j].Year); c != 0 {
			return c < 0
		}
		return candidates[i].ISBN < candidates[j].ISBN
	})
}

// CompareYearDesc orders years descending with 0 (unknown) last. It returns
// a negative value when a sorts before b.
func CompareYearDesc(a, b int) int {
	switch {
	case a == b:
		return 0
	case a <= 0:
		return 1
	case b <= 0:
		return -1
	case a > b:
		return -1
	default:
		return 1
	}
}

// L2Distance returns the Euclidean distance between two equal-length vectors
func L2Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}
