// milvus-query runs one similarity search and prints the hits as JSON.
//
// Usage:
//
//	milvus-query request.json
//
// Output is {"results": [...]} on stdout; logs go to stderr.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/logging"
	"github.com/iasik/symbol-indexer/internal/query"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel string
		pretty   bool
	)

	cmd := &cobra.Command{
		Use:     "milvus-query <request.json>",
		Short:   "Search a symbol collection with a query vector",
		Args:    cobra.ExactArgs(1),
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := logging.MustNew(logging.Config{Level: logLevel, Stderr: true})
			defer logger.Sync()
			return run(cmd.Context(), args[0], cmd.OutOrStdout(), pretty, logger)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	return cmd
}

func run(ctx context.Context, path string, out io.Writer, pretty bool, logger *zap.Logger) error {
	req, err := query.LoadRequest(path)
	if err != nil {
		return err
	}

	store, err := vectordb.NewMilvus(req.StoreConfig(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	resp, err := query.Run(ctx, store, query.NewPlanner(logger), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(resp)
}
