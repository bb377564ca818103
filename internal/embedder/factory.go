package embedder

import (
	"fmt"

	"github.com/iasik/symbol-indexer/internal/config"
)

// NewProvider creates an embedding provider based on configuration.
// This is the main entry point for obtaining an embedder.
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	providerCfg := Config{
		Provider:           cfg.Provider,
		Model:              cfg.Model,
		Endpoint:           cfg.Endpoint,
		Dimensions:         cfg.Dimensions,
		BatchSize:          cfg.BatchSize,
		APIKey:             cfg.GetAPIKey(),
		TimeoutSeconds:     int(cfg.GetTimeout().Seconds()),
		QueryInstruction:   cfg.QueryInstruction,
		PassageInstruction: cfg.PassageInstruction,
	}

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(providerCfg)

	case "openai":
		return NewOpenAIEmbedder(providerCfg)

	case "jina":
		return NewJinaEmbedder(providerCfg)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: ollama, openai, jina)", cfg.Provider)
	}
}
