// milvus-ingest provisions a symbol collection and loads rows into it.
//
// Usage:
//
//	milvus-ingest request.json
//
// The request file names the store, the collection and the rows to insert.
// With "reset": true the collection is dropped and recreated first.
package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/indexer"
	"github.com/iasik/symbol-indexer/internal/logging"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:     "milvus-ingest <request.json>",
		Short:   "Provision a symbol collection and ingest rows into it",
		Args:    cobra.ExactArgs(1),
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := logging.MustNew(logging.Config{Level: logLevel, Stderr: true})
			defer logger.Sync()
			return run(cmd.Context(), args[0], cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	return cmd
}

func run(ctx context.Context, path string, out io.Writer, logger *zap.Logger) error {
	req, err := indexer.LoadIngestRequest(path)
	if err != nil {
		return err
	}

	store, err := vectordb.NewMilvus(req.StoreConfig(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	coll, err := indexer.NewSchemaManager(logger).EnsureCollection(ctx, store, req.Collection(), req.Reset)
	if err != nil {
		return err
	}

	_, err = indexer.NewPipeline(logger, out).Ingest(ctx, store, coll, req.Records)
	return err
}
