package indexer

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// BatchSize is the number of rows written per insert call.
const BatchSize = 64

// IngestResult summarizes one ingestion.
type IngestResult struct {
	Rows    int
	Batches int
	Loaded  bool
}

// Pipeline writes validated records into a provisioned collection.
type Pipeline struct {
	logger *zap.Logger
	out    io.Writer
}

// NewPipeline creates a pipeline. Progress lines go to out when it is
// non-nil.
func NewPipeline(logger *zap.Logger, out io.Writer) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &Pipeline{logger: logger, out: out}
}

// Ingest validates every record, inserts them in batches of BatchSize in
// input order and loads the collection once all batches succeeded.
//
// Any invalid record aborts before the first insert. The first failed
// batch aborts the run: batches already written stay in the collection,
// which is then left unloaded. Nothing is retried.
func (p *Pipeline) Ingest(ctx context.Context, store vectordb.Store, coll schema.Collection, records []schema.SymbolRecord) (res IngestResult, err error) {
	for _, r := range records {
		if err := coll.ValidateRecord(r); err != nil {
			return res, err
		}
	}

	if len(records) == 0 {
		fmt.Fprintln(p.out, "No rows to ingest.")
		return res, nil
	}

	ctx, span := observability.StartSpan(ctx, "indexer.ingest",
		attribute.String("collection", coll.Name),
		attribute.Int("rows", len(records)),
	)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	fmt.Fprintf(p.out, "Inserting %d rows into Milvus...\n", len(records))

	total := (len(records) + BatchSize - 1) / BatchSize
	for start := 0; start < len(records); start += BatchSize {
		end := min(start+BatchSize, len(records))
		batch := records[start:end]
		n := start/BatchSize + 1

		if err := store.Insert(ctx, coll, batch); err != nil {
			observability.IngestBatchesTotal.WithLabelValues("failure").Inc()
			p.logger.Error("insert batch failed",
				zap.String("collection", coll.Name),
				zap.Int("batch", n),
				zap.Int("batches", total),
				zap.Error(err),
			)
			return res, fmt.Errorf("insert batch %d/%d (rows %d-%d): %w", n, total, start, end-1, err)
		}

		observability.IngestBatchesTotal.WithLabelValues("success").Inc()
		observability.IngestRowsTotal.Add(float64(len(batch)))
		res.Batches++
		res.Rows += len(batch)
		p.logger.Debug("inserted batch",
			zap.Int("batch", n),
			zap.Int("batches", total),
			zap.Int("rows", len(batch)),
		)
	}

	if err := store.Load(ctx, coll.Name); err != nil {
		return res, fmt.Errorf("load collection %s: %w", coll.Name, err)
	}
	res.Loaded = true

	fmt.Fprintln(p.out, "Milvus ingestion done.")
	p.logger.Info("ingestion complete",
		zap.String("collection", coll.Name),
		zap.Int("rows", res.Rows),
		zap.Int("batches", res.Batches),
	)
	return res, nil
}
