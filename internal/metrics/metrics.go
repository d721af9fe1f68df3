// Package metrics holds the Prometheus collectors for the retrieval engine.
//
// Collectors register with the default registry on import; the HTTP surface
// serves them at /metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dshills/bookfinder/pkg/types"
)

var (
	// Search
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookfinder_search_duration_seconds",
			Help:    "Duration of search requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SearchResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookfinder_search_results",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 15, 20},
		},
		[]string{"mode"},
	)

	SearchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfinder_search_errors_total",
			Help: "Total number of failed searches by error kind",
		},
		[]string{"mode", "kind"},
	)

	// Ratings
	RatingsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookfinder_ratings_upserted_total",
			Help: "Total number of ratings created or overwritten",
		},
	)

	RatingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfinder_rating_errors_total",
			Help: "Total number of rejected or failed rating writes by error kind",
		},
		[]string{"kind"},
	)

	// Backfill
	BackfillRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bookfinder_backfill_rows_total",
			Help: "Total number of book embeddings written by backfill",
		},
	)

	BackfillBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfinder_backfill_batches_total",
			Help: "Total number of backfill batches by outcome",
		},
		[]string{"outcome"}, // "ok", "failed"
	)

	// Embedder
	EmbedderBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bookfinder_embedder_breaker_state",
			Help: "Embedder circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Credential enrichment
	EnrichmentUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookfinder_enrichment_users_total",
			Help: "Total number of users processed by credential enrichment by outcome",
		},
		[]string{"outcome"}, // "enriched", "failed"
	)
)

// Error kind labels
const (
	KindInvalidInput         = "invalid_input"
	KindUnavailable          = "unavailable"
	KindReferentialViolation = "referential_violation"
	KindPersistence          = "persistence"
	KindOther                = "other"
)

// ErrorKind maps an error to its metric label
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, types.ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, types.ErrReferentialViolation):
		return KindReferentialViolation
	case errors.Is(err, types.ErrPersistence):
		return KindPersistence
	default:
		return KindOther
	}
}

// RecordSearch records one dispatcher call
func RecordSearch(mode string, duration time.Duration, results int, err error) {
	SearchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if err != nil {
		SearchErrors.WithLabelValues(mode, ErrorKind(err)).Inc()
		return
	}
	SearchResults.WithLabelValues(mode).Observe(float64(results))
}

// RecordRating records one rating write attempt
func RecordRating(err error) {
	if err != nil {
		RatingErrors.WithLabelValues(ErrorKind(err)).Inc()
		return
	}
	RatingsUpserted.Inc()
}

// RecordBackfillBatch records one completed backfill batch
func RecordBackfillBatch(rows int, err error) {
	if err != nil {
		BackfillBatches.WithLabelValues("failed").Inc()
		return
	}
	BackfillBatches.WithLabelValues("ok").Inc()
	BackfillRows.Add(float64(rows))
}

// RecordEnrichment records credential enrichment outcomes
func RecordEnrichment(enriched, failed int) {
	EnrichmentUsers.WithLabelValues("enriched").Add(float64(enriched))
	EnrichmentUsers.WithLabelValues("failed").Add(float64(failed))
}

// BreakerStateChanged is an OnStateChange hook for the embedder circuit breaker
func BreakerStateChanged(_ string, _, to gobreaker.State) {
	EmbedderBreakerState.Set(float64(breakerStateValue(to)))
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
