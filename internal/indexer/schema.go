package indexer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// SchemaManager provisions the symbol collection and its vector index.
type SchemaManager struct {
	logger *zap.Logger
}

// NewSchemaManager creates a schema manager.
func NewSchemaManager(logger *zap.Logger) *SchemaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaManager{logger: logger}
}

// EnsureCollection makes sure coll exists with the symbol schema and an
// index on its vector field. With reset an existing collection is dropped
// and recreated first. Without reset a correctly shaped collection is left
// untouched and at most one index is created.
//
// A concurrent first-time provisioning may win the race to create the
// collection or index; the "already exists" rejection is then treated as
// success after re-checking.
func (m *SchemaManager) EnsureCollection(ctx context.Context, store vectordb.Store, coll schema.Collection, reset bool) (_ schema.Collection, err error) {
	if err := coll.Validate(); err != nil {
		return coll, err
	}

	ctx, span := observability.StartSpan(ctx, "indexer.ensure_collection",
		attribute.String("collection", coll.Name),
		attribute.Int("dimension", coll.Dimension),
		attribute.Bool("reset", reset),
	)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	exists, err := store.HasCollection(ctx, coll.Name)
	if err != nil {
		return coll, err
	}

	if reset && exists {
		m.logger.Info("dropping collection", zap.String("collection", coll.Name))
		if err := store.DropCollection(ctx, coll.Name); err != nil {
			return coll, err
		}
		exists = false
	}

	if !exists {
		if err := m.create(ctx, store, coll); err != nil {
			return coll, err
		}
	}

	hasIndex, err := store.HasIndex(ctx, coll)
	if err != nil {
		return coll, err
	}
	if hasIndex {
		return coll, nil
	}

	idx := schema.DefaultIndex(coll.VectorField)
	m.logger.Info("creating index",
		zap.String("collection", coll.Name),
		zap.String("index", idx.Name),
		zap.String("type", idx.Type),
	)
	if err := store.CreateIndex(ctx, coll, idx); err != nil && !vectordb.IsAlreadyExists(err) {
		return coll, err
	}
	return coll, nil
}

func (m *SchemaManager) create(ctx context.Context, store vectordb.Store, coll schema.Collection) error {
	m.logger.Info("creating collection",
		zap.String("collection", coll.Name),
		zap.Int("dimension", coll.Dimension),
		zap.Int("schema_version", schema.Version),
	)

	err := store.CreateCollection(ctx, coll)
	if err == nil || !vectordb.IsAlreadyExists(err) {
		return err
	}

	exists, checkErr := store.HasCollection(ctx, coll.Name)
	if checkErr != nil {
		return checkErr
	}
	if !exists {
		return fmt.Errorf("create collection %s: %w", coll.Name, err)
	}
	m.logger.Info("collection created concurrently", zap.String("collection", coll.Name))
	return nil
}
