// Package embedder provides a pluggable interface for text embedding providers.
// It abstracts the embedding services (Ollama, OpenAI, Jina) behind a common interface.
package embedder

import (
	"context"
)

// Provider defines the interface for embedding providers.
// All embedding implementations must satisfy this interface.
//
// Embed is used for queries and EmbedBatch for documents, which matters
// to instruction-aware providers such as Jina.
type Provider interface {
	// Embed generates an embedding vector for a single query text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple document texts,
	// in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ModelInfo returns information about the current model.
	ModelInfo() ModelInfo

	// Health checks if the provider is available.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// ModelInfo contains metadata about an embedding model.
type ModelInfo struct {
	// Provider name (e.g., "ollama", "jina")
	Provider string

	// Model name (e.g., "nomic-embed-text")
	Model string

	// Vector dimensions
	Dimensions int
}

// Config holds common configuration for embedding providers.
type Config struct {
	Provider   string
	Model      string
	Endpoint   string
	Dimensions int
	BatchSize  int

	// API key (for providers that require it)
	APIKey string

	// Request timeout in seconds
	TimeoutSeconds int

	// Instructions for instruction-aware providers
	QueryInstruction   string
	PassageInstruction string
}
