// Package embedder turns book titles and search terms into vector embeddings.
//
// Three providers ship with the package:
//
//   - ollama: a local or remote Ollama server (POST /api/embed), default model
//     all-minilm with 384 dimensions
//   - openai / jina: any endpoint speaking the /v1/embeddings format
//   - local: deterministic hash projections for offline runs and tests
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "ollama"})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: []string{"Dune", "Hyperion"},
//	})
//
// Embeddings in a batch response are aligned by index with the request texts,
// and every vector has exactly Dimension() components. A provider returning
// vectors of another width fails the whole batch.
//
// # Caching and Retries
//
// Remote providers consult an LRU cache keyed by model and text before calling
// the API, so only cache misses are sent. Transient failures (network errors,
// 5xx, 429) are retried with exponential backoff; other 4xx responses are not.
//
// # Circuit Breaking
//
// NewGuarded wraps any Embedder in a gobreaker circuit. Once the provider has
// failed FailureThreshold times in a row the circuit opens and calls fail fast
// with types.ErrUnavailable until a probe succeeds.
package embedder
