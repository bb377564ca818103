// Indexer CLI - batch symbol indexing for configured repositories
//
// Usage:
//
//	indexer --repo=billing                # Index one repository
//	indexer --all                         # Index all repositories
//	indexer --all --reset                 # Drop the collection first
//	indexer --all --full                  # Ignore the embedding cache
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/indexer"
	"github.com/iasik/symbol-indexer/internal/logging"
	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

var version = "dev"

type options struct {
	repo  string
	all   bool
	reset bool
	full  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "indexer",
		Short:   "Index Go repositories into the symbol collection",
		Args:    cobra.NoArgs,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.repo == "" && !opts.all {
				return errors.New("--repo or --all is required")
			}
			cmd.SilenceUsage = true
			return run(opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.repo, "repo", "", "Repository name to index")
	cmd.Flags().BoolVar(&opts.all, "all", false, "Index all configured repositories")
	cmd.Flags().BoolVar(&opts.reset, "reset", false, "Drop and recreate the collection before ingesting")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Re-embed every symbol, ignoring the cache")
	cmd.MarkFlagsMutuallyExclusive("repo", "all")
	return cmd
}

func run(opts options, out io.Writer) error {
	cfgManager, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := cfgManager.Get()

	logger := logging.MustNew(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Stderr: true})
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("vectordb_provider", cfg.VectorDB.Provider))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "symbol-indexer",
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

	var repos []*config.RepoConfig
	if opts.all {
		repos, err = config.LoadAllRepos(cfg.Repos.ConfigDir)
	} else {
		var repo *config.RepoConfig
		repo, err = config.GetRepo(cfg.Repos.ConfigDir, opts.repo)
		repos = []*config.RepoConfig{repo}
	}
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		return fmt.Errorf("no repositories configured in %s", cfg.Repos.ConfigDir)
	}

	emb, err := embedder.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}
	defer emb.Close()

	if err := emb.Health(ctx); err != nil {
		logger.Error("embedder health check failed",
			zap.String("model", cfg.Embedding.Model),
			zap.String("endpoint", cfg.Embedding.Endpoint),
			zap.Error(err))
		return err
	}

	store, err := vectordb.NewProvider(cfg.VectorDB, logger)
	if err != nil {
		return fmt.Errorf("failed to create vectordb: %w", err)
	}
	defer store.Close()

	if err := store.Health(ctx); err != nil {
		return fmt.Errorf("vectordb health check failed: %w", err)
	}

	idx := indexer.NewIndexer(cfg, emb, store, logger, out)
	result, err := idx.Run(ctx, repos, opts.reset || cfg.VectorDB.Reset, opts.full)
	if result != nil {
		printSummary(out, result)
	}
	return err
}

func printSummary(out io.Writer, result *indexer.RunResult) {
	fmt.Fprintln(out, "\n=== Indexing Summary ===")
	for _, r := range result.Repos {
		fmt.Fprintf(out, "\nRepo: %s\n", r.Repo)
		fmt.Fprintf(out, "  Types: %d\n", r.Types)
		fmt.Fprintf(out, "  Entries: %d\n", r.Entries)
		fmt.Fprintf(out, "  Embedded: %d (cache hits: %d)\n", r.Embedded, r.CacheHits)
		if r.SkippedFiles > 0 {
			fmt.Fprintf(out, "  Skipped files: %d (parse errors)\n", r.SkippedFiles)
		}
		fmt.Fprintf(out, "  Duration: %s\n", r.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "\nRows ingested: %d in %d batches\n", result.Ingest.Rows, result.Ingest.Batches)
	fmt.Fprintf(out, "Total duration: %s\n", result.Duration.Round(time.Millisecond))
}
