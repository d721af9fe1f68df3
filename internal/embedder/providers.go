package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Provider configuration
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"
	ProviderLocal  = "local"

	// Default models
	DefaultOllamaModel = "all-minilm"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultLocalModel  = "sha256-projection"

	// Default endpoints
	DefaultOllamaEndpoint = "http://localhost:11434"
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/embeddings"
	DefaultJinaEndpoint   = "https://api.jina.ai/v1/embeddings"

	// Dimensions
	OllamaDimension = 384
	OpenAIDimension = 1536
	JinaDimension   = 1024
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 256
	MaxBatchSize     = 2048

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	DefaultTimeout = 30 * time.Second

	// API key environment variables
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvJinaAPIKey   = "JINA_API_KEY"
)

// wireCodec encodes a provider's request body and decodes its vectors
type wireCodec interface {
	path() string
	encode(texts []string, model string) any
	decode(body io.Reader, n int) ([][]float32, error)
}

// openAICodec speaks the /v1/embeddings format shared by OpenAI and Jina
type openAICodec struct{}

func (openAICodec) path() string { return "" }

func (openAICodec) encode(texts []string, model string) any {
	return map[string]any{"input": texts, "model": model}
}

func (openAICodec) decode(body io.Reader, n int) ([][]float32, error) {
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Data) != n {
		return nil, fmt.Errorf("expected %d embeddings, got %d", n, len(resp.Data))
	}
	// Entries carry their input index and are not guaranteed to arrive in order.
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vectors := make([][]float32, n)
	for i, d := range resp.Data {
		if d.Index != i {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// ollamaCodec speaks Ollama's /api/embed format
type ollamaCodec struct{}

func (ollamaCodec) path() string { return "/api/embed" }

func (ollamaCodec) encode(texts []string, model string) any {
	return map[string]any{"input": texts, "model": model}
}

func (ollamaCodec) decode(body io.Reader, n int) ([][]float32, error) {
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Embeddings) != n {
		return nil, fmt.Errorf("expected %d embeddings, got %d", n, len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}

// permanentError marks a response that retrying cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RemoteConfig configures an HTTP embedding provider
type RemoteConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Dimension  int
	Timeout    time.Duration
	Retry      RetryConfig
	HTTPClient *http.Client
}

// RemoteProvider implements Embedder over an HTTP embedding API
type RemoteProvider struct {
	name       string
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	codec      wireCodec
	retry      RetryConfig
	httpClient *http.Client
	cache      *Cache
}

func newRemoteProvider(name string, codec wireCodec, cfg RemoteConfig, cache *Cache) *RemoteProvider {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	retry := cfg.Retry
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}
	return &RemoteProvider{
		name:       name,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/") + codec.path(),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		codec:      codec,
		retry:      retry,
		httpClient: client,
		cache:      cache,
	}
}

// NewOllamaProvider creates an embedder backed by an Ollama server
func NewOllamaProvider(cfg RemoteConfig, cache *Cache) (*RemoteProvider, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOllamaEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = OllamaDimension
	}
	return newRemoteProvider(ProviderOllama, ollamaCodec{}, cfg, cache), nil
}

// NewOpenAIProvider creates an embedder backed by the OpenAI embeddings API
func NewOpenAIProvider(cfg RemoteConfig, cache *Cache) (*RemoteProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultOpenAIEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = OpenAIDimension
	}
	return newRemoteProvider(ProviderOpenAI, openAICodec{}, cfg, cache), nil
}

// NewJinaProvider creates an embedder backed by the Jina AI embeddings API
func NewJinaProvider(cfg RemoteConfig, cache *Cache) (*RemoteProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultJinaEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultJinaModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = JinaDimension
	}
	return newRemoteProvider(ProviderJina, openAICodec{}, cfg, cache), nil
}

func (p *RemoteProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

// GenerateBatch embeds every text, calling the API only for cache misses
func (p *RemoteProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	embeddings := make([]*Embedding, len(req.Texts))
	hashes := make([]string, len(req.Texts))
	var missTexts []string
	var missIdx []int
	for i, text := range req.Texts {
		hashes[i] = ComputeHash(model + "\x00" + text)
		if p.cache != nil {
			if emb, ok := p.cache.Get(hashes[i]); ok {
				embeddings[i] = emb
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) > 0 {
		vectors, err := retryWithBackoff(ctx, p.retry, func() ([][]float32, error) {
			return p.callAPI(ctx, missTexts, model)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrProviderFailed, p.name, err)
		}
		for j, vector := range vectors {
			i := missIdx[j]
			embeddings[i] = &Embedding{
				Vector:    vector,
				Dimension: len(vector),
				Provider:  p.name,
				Model:     model,
				Hash:      hashes[i],
			}
		}
		if err := checkDimensions(embeddings, p.dimension); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrProviderFailed, p.name, err)
		}
		if p.cache != nil {
			for _, i := range missIdx {
				p.cache.Set(hashes[i], embeddings[i])
			}
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

func (p *RemoteProvider) callAPI(ctx context.Context, texts []string, model string) ([][]float32, error) {
	body, err := json.Marshal(p.codec.encode(texts, model))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &permanentError{apiErr}
		}
		return nil, apiErr
	}

	return p.codec.decode(resp.Body, len(texts))
}

func (p *RemoteProvider) Dimension() int   { return p.dimension }
func (p *RemoteProvider) Provider() string { return p.name }
func (p *RemoteProvider) Model() string    { return p.model }

func (p *RemoteProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider produces deterministic pseudo-embeddings without a network.
// Equal texts map to equal unit vectors; it carries no semantic signal and
// exists for offline runs and tests.
type LocalProvider struct {
	dimension int
	cache     *Cache
}

// NewLocalProvider creates a local embedder. A non-positive dimension uses LocalDimension.
func NewLocalProvider(dimension int, cache *Cache) (*LocalProvider, error) {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{dimension: dimension, cache: cache}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := ComputeHash(req.Text)
	if l.cache != nil {
		if emb, ok := l.cache.Get(hash); ok {
			return emb, nil
		}
	}

	emb := &Embedding{
		Vector:    l.project(req.Text),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     DefaultLocalModel,
		Hash:      hash,
	}
	if l.cache != nil {
		l.cache.Set(hash, emb)
	}
	return emb, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		embeddings[i] = emb
	}
	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      DefaultLocalModel,
	}, nil
}

// project expands the text hash across every component and normalizes the result
func (l *LocalProvider) project(text string) []float32 {
	vector := make([]float32, l.dimension)
	var block [sha256.Size]byte
	var counter [4]byte
	for i := range vector {
		if i%(sha256.Size/4) == 0 {
			binary.LittleEndian.PutUint32(counter[:], uint32(i/(sha256.Size/4)))
			block = sha256.Sum256(append(counter[:], text...))
		}
		off := (i % (sha256.Size / 4)) * 4
		u := binary.LittleEndian.Uint32(block[off:])
		vector[i] = float32(u)/float32(math.MaxUint32)*2 - 1
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) Dimension() int   { return l.dimension }
func (l *LocalProvider) Provider() string { return ProviderLocal }
func (l *LocalProvider) Model() string    { return DefaultLocalModel }
func (l *LocalProvider) Close() error     { return nil }

// NormalizeVector scales a vector to unit length in place and returns it
func NormalizeVector(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
