// rerank-server serves POST /rerank in front of a scoring backend.
//
// The "upstream" provider forwards to a Jina-compatible rerank API; the
// "embedding" provider scores by cosine similarity of embeddings from the
// configured embedder.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/logging"
	"github.com/iasik/symbol-indexer/internal/rerank"
)

var version = "dev"

func main() {
	var port int

	cmd := &cobra.Command{
		Use:     "rerank-server",
		Short:   "Serve the rerank API",
		Args:    cobra.NoArgs,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default: rerank.port)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(port int) error {
	cfgManager, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgManager.Get()
	if port == 0 {
		port = cfg.Rerank.Port
	}

	logger := logging.MustNew(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer logger.Sync()

	scorer, closeScorer, err := newScorer(cfg)
	if err != nil {
		return err
	}
	defer closeScorer()

	svc := rerank.NewService(scorer, cfg.Rerank.GetTimeout(), logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           svc.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting rerank server",
			zap.Int("port", port),
			zap.String("provider", cfg.Rerank.Provider),
			zap.String("model", scorer.Model()),
			zap.String("device", scorer.Device()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer shutdownCancel()
	logger.Info("shutting down rerank server")
	return srv.Shutdown(shutdownCtx)
}

func newScorer(cfg *config.Config) (rerank.Scorer, func(), error) {
	switch cfg.Rerank.Provider {
	case "embedding":
		emb, err := embedder.NewProvider(cfg.Embedding)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return rerank.NewEmbeddingScorer(emb), func() { emb.Close() }, nil
	default:
		s := rerank.NewUpstreamScorer(cfg.Rerank.UpstreamEndpoint, cfg.Rerank.Model, cfg.Rerank.GetAPIKey(), cfg.Rerank.GetTimeout())
		return s, func() {}, nil
	}
}
