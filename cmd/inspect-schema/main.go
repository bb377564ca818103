// inspect-schema ensures the configured collection exists and prints its
// live fields and indexes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/indexer"
	"github.com/iasik/symbol-indexer/internal/logging"
	"github.com/iasik/symbol-indexer/internal/schema"
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
		collection string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:     "inspect-schema",
		Short:   "Describe the symbol collection",
		Args:    cobra.NoArgs,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfgManager, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			cfg := cfgManager.Get()
			if collection != "" {
				cfg.VectorDB.CollectionName = collection
			}

			logger := logging.MustNew(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Stderr: true})
			defer logger.Sync()

			return run(cmd.Context(), cfg, cmd.OutOrStdout(), asJSON, logger)
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Collection name (default: vectordb.collection_name)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the description as JSON")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, out io.Writer, asJSON bool, logger *zap.Logger) error {
	store, err := vectordb.NewProvider(cfg.VectorDB, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	coll := schema.Collection{
		Name:        cfg.VectorDB.CollectionName,
		VectorField: cfg.VectorDB.VectorField,
		Dimension:   cfg.Embedding.Dimensions,
	}
	if _, err := indexer.NewSchemaManager(logger).EnsureCollection(ctx, store, coll, false); err != nil {
		return err
	}

	info, err := store.Describe(ctx, coll.Name)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	printInfo(out, info)
	return nil
}

func printInfo(out io.Writer, info *vectordb.CollectionInfo) {
	fmt.Fprintln(out, "Collection:", info.Name)
	if info.LoadState != "" {
		fmt.Fprintln(out, "Load state:", info.LoadState)
	}
	fmt.Fprintln(out, "Fields:")
	for _, f := range info.Fields {
		pk := ""
		if f.Primary {
			pk = " [PK]"
		}
		fmt.Fprintf(out, "  - %s (%s)%s\n", f.Name, f.Type, pk)
	}
	fmt.Fprintln(out, "Indexes:")
	for _, idx := range info.Indexes {
		fmt.Fprintf(out, "  - %s on %s%s\n", idx.Name, idx.Field, indexDetails(idx))
	}
}

// indexDetails renders the known parts of an index description; stores
// report either part as empty when it does not apply.
func indexDetails(idx vectordb.IndexInfo) string {
	var parts []string
	if idx.Type != "" {
		parts = append(parts, idx.Type)
	}
	if idx.Metric != "" {
		parts = append(parts, "metric="+idx.Metric)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
