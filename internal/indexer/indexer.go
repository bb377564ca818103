// Package indexer provisions the symbol collection, ingests symbol records
// in batches and drives full repository indexing: extraction, embedding
// with an on-disk cache, and ingestion.
package indexer

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/symbols"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// Indexer indexes configured repositories into one collection.
type Indexer struct {
	cfg      *config.Config
	embedder embedder.Provider
	store    vectordb.Store
	schema   *SchemaManager
	pipeline *Pipeline
	logger   *zap.Logger
	out      io.Writer
}

// NewIndexer creates a new indexer. Progress lines are written to out.
func NewIndexer(
	cfg *config.Config,
	emb embedder.Provider,
	store vectordb.Store,
	logger *zap.Logger,
	out io.Writer,
) *Indexer {
	if out == nil {
		out = io.Discard
	}
	return &Indexer{
		cfg:      cfg,
		embedder: emb,
		store:    store,
		schema:   NewSchemaManager(logger),
		pipeline: NewPipeline(logger, out),
		logger:   logger,
		out:      out,
	}
}

// RepoResult contains the results of indexing one repository.
type RepoResult struct {
	Repo      string
	Types     int
	Entries   int
	Embedded  int
	CacheHits int

	// SkippedFiles counts Go files that failed to parse.
	SkippedFiles int

	Duration time.Duration
}

// RunResult contains the results of a full indexing run.
type RunResult struct {
	Repos    []*RepoResult
	Ingest   IngestResult
	Duration time.Duration
}

// Collection returns the collection descriptor derived from configuration.
func (idx *Indexer) Collection() schema.Collection {
	return schema.Collection{
		Name:        idx.cfg.VectorDB.CollectionName,
		VectorField: idx.cfg.VectorDB.VectorField,
		Dimension:   idx.cfg.Embedding.Dimensions,
	}
}

// Run builds records for every repo, provisions the collection and ingests
// the records. Records are inserted, not upserted, so re-indexing into an
// existing collection should use reset.
func (idx *Indexer) Run(ctx context.Context, repos []*config.RepoConfig, reset, fullEmbed bool) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	var records []schema.SymbolRecord
	for _, repo := range repos {
		recs, res, err := idx.BuildRecords(ctx, repo, fullEmbed)
		if err != nil {
			return result, fmt.Errorf("repo %s: %w", repo.RepoName, err)
		}
		records = append(records, recs...)
		result.Repos = append(result.Repos, res)
	}

	coll, err := idx.schema.EnsureCollection(ctx, idx.store, idx.Collection(), reset)
	if err != nil {
		return result, fmt.Errorf("ensure collection: %w", err)
	}

	result.Ingest, err = idx.pipeline.Ingest(ctx, idx.store, coll, records)
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	idx.logger.Info("indexing complete",
		zap.Int("repos", len(repos)),
		zap.Int("rows", result.Ingest.Rows),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// BuildRecords extracts, embeds and converts the symbols of one repository.
// With fullEmbed the embedding cache is ignored and rebuilt.
func (idx *Indexer) BuildRecords(ctx context.Context, repo *config.RepoConfig, fullEmbed bool) ([]schema.SymbolRecord, *RepoResult, error) {
	start := time.Now()
	result := &RepoResult{Repo: repo.RepoName}

	sourcePath := repo.GetFullSourcePath(idx.cfg.Repos.SourceBasePath)
	idx.logger.Info("extracting symbols",
		zap.String("repo", repo.RepoName),
		zap.String("path", sourcePath),
	)

	types, err := symbols.Extract(sourcePath, symbols.Options{
		Repo:              repo.RepoName,
		IncludeTests:      repo.IncludeTests,
		IncludeUnexported: repo.IncludeUnexported,
		Exclude:           repo.ShouldExcludePath,
		OnParseError: func(rel string, err error) {
			result.SkippedFiles++
			idx.logger.Warn("skipping unparsable file",
				zap.String("repo", repo.RepoName),
				zap.String("file", rel),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("extract symbols: %w", err)
	}
	result.Types = len(types)

	extra := map[string]any{}
	if repo.DisplayName != "" {
		extra["displayName"] = repo.DisplayName
	}
	if repo.Metadata.Team != "" {
		extra["team"] = repo.Metadata.Team
	}
	if len(repo.Metadata.Tags) > 0 {
		extra["tags"] = repo.Metadata.Tags
	}
	entries := symbols.BuildEntries(repo.RepoName, types, extra)
	result.Entries = len(entries)
	if len(entries) == 0 {
		idx.logger.Warn("no symbols found", zap.String("repo", repo.RepoName))
		result.Duration = time.Since(start)
		return nil, result, nil
	}

	cache, err := NewCache(idx.cfg.Cache.Dir, repo.RepoName, idx.embedder.ModelInfo().Model)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if fullEmbed {
		cache.Clear()
	}

	vectors, err := idx.embedEntries(ctx, entries, cache, result)
	if err != nil {
		return nil, nil, err
	}

	keep := make(map[string]struct{}, len(entries))
	records := make([]schema.SymbolRecord, len(entries))
	for i, e := range entries {
		keep[e.ID] = struct{}{}
		records[i] = e.Record(vectors[i])
	}
	if removed := cache.Retain(keep); removed > 0 {
		idx.logger.Debug("pruned stale cache entries", zap.Int("count", removed))
	}
	if err := cache.Save(repo.RepoName); err != nil {
		idx.logger.Warn("failed to save embedding cache", zap.String("repo", repo.RepoName), zap.Error(err))
	}

	result.Duration = time.Since(start)
	idx.logger.Info("repository prepared",
		zap.String("repo", repo.RepoName),
		zap.Int("types", result.Types),
		zap.Int("entries", result.Entries),
		zap.Int("embedded", result.Embedded),
		zap.Int("cache_hits", result.CacheHits),
		zap.Int("skipped_files", result.SkippedFiles),
		zap.Duration("duration", result.Duration),
	)
	return records, result, nil
}

// embedEntries returns one vector per entry, reusing cached vectors and
// embedding the rest in batches.
func (idx *Indexer) embedEntries(ctx context.Context, entries []symbols.Entry, cache *Cache, result *RepoResult) ([][]float32, error) {
	vectors := make([][]float32, len(entries))
	hashes := make([]string, len(entries))
	var pending []int

	for i, e := range entries {
		hashes[i] = e.ContentHash()
		if v, ok := cache.Lookup(e.ID, hashes[i]); ok {
			vectors[i] = v
			result.CacheHits++
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		return vectors, nil
	}

	batchSize := idx.cfg.Embedding.BatchSize
	totalBatches := (len(pending) + batchSize - 1) / batchSize
	embedStart := time.Now()

	for b := 0; b < len(pending); b += batchSize {
		end := min(b+batchSize, len(pending))
		batch := pending[b:end]
		batchNum := b/batchSize + 1

		texts := make([]string, len(batch))
		for j, i := range batch {
			texts[j] = entries[i].EmbeddingText
		}

		batchStart := time.Now()
		embedded, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d/%d: %w", batchNum, totalBatches, err)
		}
		if len(embedded) != len(batch) {
			return nil, fmt.Errorf("embed batch %d/%d: expected %d vectors, got %d", batchNum, totalBatches, len(batch), len(embedded))
		}

		for j, i := range batch {
			vectors[i] = embedded[j]
			cache.Store(entries[i].ID, hashes[i], embedded[j])
		}
		result.Embedded += len(batch)

		elapsed := time.Since(embedStart)
		eta := elapsed / time.Duration(batchNum) * time.Duration(totalBatches-batchNum)
		fmt.Fprintf(idx.out, "[Embedding] Batch %d/%d (%d entries) | took: %s | ETA: %s\n",
			batchNum, totalBatches, len(batch),
			time.Since(batchStart).Round(time.Millisecond),
			eta.Round(time.Second))
	}

	fmt.Fprintf(idx.out, "[Embedding] Complete: %d entries in %s\n", len(pending), time.Since(embedStart).Round(time.Second))
	return vectors, nil
}
