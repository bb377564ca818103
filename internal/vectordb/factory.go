package vectordb

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
)

// NewStore creates a store client based on configuration.
// This is the main entry point for obtaining a vector store handle.
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "milvus":
		return NewMilvus(cfg, logger)

	case "qdrant":
		return NewQdrant(cfg, logger)

	default:
		return nil, fmt.Errorf("unknown vectordb provider: %s (supported: milvus, qdrant)", cfg.Provider)
	}
}

// NewProvider creates a store client from the application configuration.
func NewProvider(cfg config.VectorDBConfig, logger *zap.Logger) (Store, error) {
	return NewStore(ConfigFrom(cfg), logger)
}

// ConfigFrom converts the application's vectordb section to a client Config.
func ConfigFrom(cfg config.VectorDBConfig) Config {
	return Config{
		Provider:       cfg.Provider,
		Address:        cfg.Address,
		Database:       cfg.Database,
		Token:          cfg.GetToken(),
		TimeoutSeconds: int(cfg.GetTimeout().Seconds()),
	}
}
