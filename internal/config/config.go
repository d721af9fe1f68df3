// Package config loads bookfinder's layered configuration.
//
// Values are resolved in three layers, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. An optional YAML file (--config, BOOKFINDER_CONFIG, or bookfinder.yaml)
//  3. Environment variables prefixed BOOKFINDER_, with "__" separating
//     sections: BOOKFINDER_DATABASE__DRIVER=postgres sets database.driver
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/dshills/bookfinder/internal/credentials"
	"github.com/dshills/bookfinder/internal/embedder"
	"github.com/dshills/bookfinder/internal/indexer"
	"github.com/dshills/bookfinder/internal/logging"
	"github.com/dshills/bookfinder/internal/searcher"
	"github.com/dshills/bookfinder/internal/validation"
)

const (
	// EnvPrefix prefixes every environment override
	EnvPrefix = "BOOKFINDER_"
	// ConfigPathEnvVar overrides the config file location
	ConfigPathEnvVar = "BOOKFINDER_CONFIG"
)

// DefaultConfigPaths are searched in order when no path is given
var DefaultConfigPaths = []string{
	"bookfinder.yaml",
	"bookfinder.yml",
	"/etc/bookfinder/config.yaml",
}

// Config is the complete process configuration
type Config struct {
	Database    DatabaseConfig     `koanf:"database"`
	Embedding   EmbeddingConfig    `koanf:"embedding"`
	Search      searcher.Config    `koanf:"search"`
	Backfill    indexer.Config     `koanf:"backfill"`
	Credentials credentials.Config `koanf:"credentials"`
	HTTP        HTTPConfig         `koanf:"http"`
	Logging     logging.Config     `koanf:"logging"`
}

// DatabaseConfig selects and configures the store
type DatabaseConfig struct {
	Driver   string `koanf:"driver" validate:"oneof=sqlite postgres"`
	Path     string `koanf:"path" validate:"required_if=Driver sqlite"`
	DSN      string `koanf:"dsn" validate:"required_if=Driver postgres"`
	MaxConns int32  `koanf:"max_conns" validate:"gte=0"`
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider  string        `koanf:"provider" validate:"oneof=ollama openai jina local"`
	Model     string        `koanf:"model"`
	Endpoint  string        `koanf:"endpoint" validate:"omitempty,url"`
	APIKey    string        `koanf:"api_key"`
	Dimension int           `koanf:"dimension" validate:"gte=0"`
	CacheSize int           `koanf:"cache_size" validate:"gte=0"`
	Timeout   time.Duration `koanf:"timeout" validate:"gte=0"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures the circuit breaker around the provider
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
	MaxRequests      uint32        `koanf:"max_requests" validate:"gte=1"`
	Interval         time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
}

// HTTPConfig configures the HTTP surface
type HTTPConfig struct {
	Addr         string        `koanf:"addr" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// Default returns the built-in configuration
func Default() *Config {
	breaker := embedder.DefaultBreakerConfig()
	logCfg := logging.DefaultConfig()
	logCfg.Output = nil
	return &Config{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Path:     "bookfinder.db",
			MaxConns: 8,
		},
		Embedding: EmbeddingConfig{
			Provider:  embedder.ProviderOllama,
			CacheSize: embedder.DefaultCacheSize,
			Timeout:   embedder.DefaultTimeout,
			Breaker: BreakerConfig{
				FailureThreshold: breaker.FailureThreshold,
				MaxRequests:      breaker.MaxRequests,
				Interval:         breaker.Interval,
				Timeout:          breaker.Timeout,
			},
		},
		Search: searcher.DefaultConfig(),
		Backfill: indexer.Config{
			BatchSize: indexer.DefaultBatchSize,
			Workers:   runtime.NumCPU(),
		},
		Credentials: credentials.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Logging: logCfg,
	}
}

// Load resolves the configuration. An empty path falls back to
// BOOKFINDER_CONFIG and then DefaultConfigPaths; a missing file is not an error
// unless the path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps BOOKFINDER_EMBEDDING__API_KEY to embedding.api_key
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks struct tags and the rules that span fields
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	switch c.Embedding.Provider {
	case embedder.ProviderOpenAI:
		if c.Embedding.APIKey == "" && os.Getenv(embedder.EnvOpenAIAPIKey) == "" {
			return fmt.Errorf("embedding.api_key or %s is required for provider openai", embedder.EnvOpenAIAPIKey)
		}
	case embedder.ProviderJina:
		if c.Embedding.APIKey == "" && os.Getenv(embedder.EnvJinaAPIKey) == "" {
			return fmt.Errorf("embedding.api_key or %s is required for provider jina", embedder.EnvJinaAPIKey)
		}
	}

	if c.Search.SimilarityTopN > c.Search.SimilarityCandidates {
		return fmt.Errorf("search.similarity_top_n (%d) exceeds search.similarity_candidates (%d)",
			c.Search.SimilarityTopN, c.Search.SimilarityCandidates)
	}
	return nil
}

// EmbedderConfig converts the embedding section for embedder.New
func (c *Config) EmbedderConfig() embedder.Config {
	return embedder.Config{
		Provider:  c.Embedding.Provider,
		Model:     c.Embedding.Model,
		Endpoint:  c.Embedding.Endpoint,
		APIKey:    c.Embedding.APIKey,
		Dimension: c.Embedding.Dimension,
		CacheSize: c.Embedding.CacheSize,
		Timeout:   c.Embedding.Timeout,
	}
}

// Dimension returns the configured vector width, or the provider's default
func (c *Config) Dimension() int {
	if c.Embedding.Dimension > 0 {
		return c.Embedding.Dimension
	}
	return embedder.DefaultDimension(c.Embedding.Provider)
}
