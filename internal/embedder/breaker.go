package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dshills/bookfinder/pkg/types"
)

// BreakerConfig configures the circuit breaker around an embedder
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // Probes allowed while half-open
	Interval         time.Duration // Closed-state counter reset period
	Timeout          time.Duration // Open-state duration before probing
	FailureThreshold uint32        // Consecutive failures that open the circuit

	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns the breaker settings used by the service
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "embedder",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Guarded wraps an Embedder in a circuit breaker. Provider failures and an
// open circuit surface as types.ErrUnavailable; caller errors pass through
// untouched and do not count against the provider.
type Guarded struct {
	Embedder
	cb *gobreaker.CircuitBreaker[*BatchEmbeddingResponse]
}

// NewGuarded wraps inner with a breaker built from cfg
func NewGuarded(inner Embedder, cfg BreakerConfig) *Guarded {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerConfig().FailureThreshold
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful: func(err error) bool {
			return err == nil || IsCallerError(err)
		},
	}
	return &Guarded{
		Embedder: inner,
		cb:       gobreaker.NewCircuitBreaker[*BatchEmbeddingResponse](settings),
	}
}

func (g *Guarded) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := g.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (g *Guarded) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	resp, err := g.cb.Execute(func() (*BatchEmbeddingResponse, error) {
		return g.Embedder.GenerateBatch(ctx, req)
	})
	if err == nil {
		return resp, nil
	}
	if IsCallerError(err) {
		return nil, err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: embedder circuit %s: %w", types.ErrUnavailable, g.cb.Name(), err)
	}
	return nil, fmt.Errorf("%w: %w", types.ErrUnavailable, err)
}

// State returns the current breaker state
func (g *Guarded) State() gobreaker.State {
	return g.cb.State()
}
