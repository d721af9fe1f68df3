package embedder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// vectorFor gives each text a distinct, recognizable 3-dim vector
func vectorFor(text string) []float32 {
	return []float32{float32(len(text)), 0, 1}
}

func newOllamaServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultOllamaModel, req.Model)

		out := make([][]float32, len(req.Input))
		for i, text := range req.Input {
			out[i] = vectorFor(text)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "embeddings": out})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOllamaProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("batch in request order", func(t *testing.T) {
		var calls atomic.Int32
		server := newOllamaServer(t, &calls)
		p, err := NewOllamaProvider(RemoteConfig{Endpoint: server.URL, Dimension: 3, Retry: fastRetry()}, nil)
		require.NoError(t, err)

		resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "bbb", "cc"}})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{vectorFor("a"), vectorFor("bbb"), vectorFor("cc")}, resp.Vectors())
		assert.Equal(t, ProviderOllama, resp.Provider)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("cache hits skip the api", func(t *testing.T) {
		var calls atomic.Int32
		server := newOllamaServer(t, &calls)
		p, err := NewOllamaProvider(RemoteConfig{Endpoint: server.URL, Dimension: 3, Retry: fastRetry()}, NewCache(100))
		require.NoError(t, err)

		_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "bb"}})
		require.NoError(t, err)
		resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"bb", "a"}})
		require.NoError(t, err)

		assert.EqualValues(t, 1, calls.Load())
		assert.Equal(t, [][]float32{vectorFor("bb"), vectorFor("a")}, resp.Vectors())
	})

	t.Run("wrong width fails the batch", func(t *testing.T) {
		var calls atomic.Int32
		server := newOllamaServer(t, &calls)
		p, err := NewOllamaProvider(RemoteConfig{Endpoint: server.URL, Dimension: 384, Retry: fastRetry()}, nil)
		require.NoError(t, err)

		_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a"}})
		assert.ErrorIs(t, err, ErrProviderFailed)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestOpenAIProvider_ReordersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: vectorFor(req.Input[i]), Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(RemoteConfig{Endpoint: server.URL, APIKey: "secret", Dimension: 3, Retry: fastRetry()}, nil)
	require.NoError(t, err)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"x", "yy", "zzz"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{vectorFor("x"), vectorFor("yy"), vectorFor("zzz")}, resp.Vectors())
}

func TestRemoteProvider_Retry(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		failFirst int32
		wantCalls int32
		wantErr   bool
	}{
		{name: "recovers after transient 503", status: http.StatusServiceUnavailable, failFirst: 2, wantCalls: 3},
		{name: "gives up after max retries", status: http.StatusBadGateway, failFirst: 10, wantCalls: 3, wantErr: true},
		{name: "429 is retried", status: http.StatusTooManyRequests, failFirst: 1, wantCalls: 2},
		{name: "400 is not retried", status: http.StatusBadRequest, failFirst: 10, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failFirst {
					http.Error(w, "nope", tt.status)
					return
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1, 2, 3}}})
			}))
			defer server.Close()

			p, err := NewOllamaProvider(RemoteConfig{Endpoint: server.URL, Dimension: 3, Retry: fastRetry()}, nil)
			require.NoError(t, err)

			_, err = p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a"}})
			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProviderFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		callCount := 0
		_, err := retryWithBackoff(ctx, fastRetry(), func() (int, error) {
			callCount++
			cancel()
			return 0, assert.AnError
		})
		assert.Equal(t, context.Canceled, err)
		assert.Equal(t, 1, callCount)
	})

	t.Run("delay is capped", func(t *testing.T) {
		cfg := RetryConfig{MaxRetries: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 3 * time.Millisecond, Multiplier: 10}
		start := time.Now()
		_, err := retryWithBackoff(context.Background(), cfg, func() (int, error) {
			return 0, assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := DefaultRetryConfig()
		assert.Equal(t, MaxRetries, cfg.MaxRetries)
		assert.Equal(t, 100*time.Millisecond, cfg.BaseDelay)
		assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	})
}
