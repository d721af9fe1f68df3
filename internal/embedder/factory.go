package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	Model     string
	Endpoint  string
	APIKey    string
	Dimension int
	CacheSize int
	Timeout   time.Duration
}

// New creates the embedder named by cfg.Provider. An empty provider selects
// Ollama. Remote API keys fall back to OPENAI_API_KEY and JINA_API_KEY.
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	remote := RemoteConfig{
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
	}

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		return NewOllamaProvider(remote, cache)
	case ProviderOpenAI:
		if remote.APIKey == "" {
			remote.APIKey = os.Getenv(EnvOpenAIAPIKey)
		}
		return NewOpenAIProvider(remote, cache)
	case ProviderJina:
		if remote.APIKey == "" {
			remote.APIKey = os.Getenv(EnvJinaAPIKey)
		}
		return NewJinaProvider(remote, cache)
	case ProviderLocal:
		return NewLocalProvider(cfg.Dimension, cache)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DefaultDimension returns the vector width a provider produces when none is configured
func DefaultDimension(provider string) int {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return OpenAIDimension
	case ProviderJina:
		return JinaDimension
	case ProviderLocal:
		return LocalDimension
	default:
		return OllamaDimension
	}
}
