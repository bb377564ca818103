// Retrieval Tool - HTTP API server for semantic symbol search
//
// This server embeds natural language queries, searches the symbol
// collection and optionally reranks the candidates.
//
// Endpoints:
//
//	POST /search   - Semantic search for symbols
//	GET  /health   - Health check
//	GET  /metrics  - Prometheus metrics
//
// Hot reload:
//
//	Send SIGHUP or edit the config file to reload configuration without restart.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/api"
	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/logging"
	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/rerank"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

var version = "dev"

const startupRetries = 30

func main() {
	cmd := &cobra.Command{
		Use:     "retrieval-tool",
		Short:   "Serve semantic symbol search over HTTP",
		Args:    cobra.NoArgs,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfgManager, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgManager.Get()

	logger := logging.MustNew(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer logger.Sync()

	logger.Info("starting retrieval tool",
		zap.Int("port", cfg.Server.Port),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("vectordb_provider", cfg.VectorDB.Provider),
		zap.Bool("rerank", cfg.Rerank.Enabled))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "retrieval-tool",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tp.Shutdown(shutdownCtx)
	}()

	emb, store, rr, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("waiting for embedder...", zap.String("endpoint", cfg.Embedding.Endpoint))
	if err := waitHealthy(ctx, emb.Health); err != nil {
		return fmt.Errorf("embedder health check failed after retries: %w", err)
	}
	logger.Info("waiting for vectordb...", zap.String("address", cfg.VectorDB.Address))
	if err := waitHealthy(ctx, store.Health); err != nil {
		return fmt.Errorf("vectordb health check failed after retries: %w", err)
	}

	server := api.NewServer(cfgManager, emb, store, rr, logger, version)

	cfgManager.OnChange(func(newCfg *config.Config) {
		emb, store, rr, err := buildProviders(newCfg, logger)
		if err != nil {
			logger.Error("keeping previous providers", zap.Error(err))
			return
		}
		server.UpdateProviders(emb, store, rr)
		logger.Info("providers updated",
			zap.String("embedding_model", newCfg.Embedding.Model),
			zap.String("collection", newCfg.VectorDB.CollectionName))
	})

	return server.Start(ctx)
}

func buildProviders(cfg *config.Config, logger *zap.Logger) (embedder.Provider, vectordb.Store, *rerank.Client, error) {
	emb, err := embedder.NewProvider(cfg.Embedding)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	store, err := vectordb.NewProvider(cfg.VectorDB, logger)
	if err != nil {
		emb.Close()
		return nil, nil, nil, fmt.Errorf("failed to create vectordb: %w", err)
	}
	// The client is always built so a request can opt into reranking.
	rr := rerank.NewClient(cfg.Rerank.Endpoint, cfg.Rerank.GetTimeout())
	return emb, store, rr, nil
}

// waitHealthy polls check once per second until it succeeds.
func waitHealthy(ctx context.Context, check func(context.Context) error) error {
	var err error
	for i := 0; i < startupRetries; i++ {
		if err = check(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return err
}
