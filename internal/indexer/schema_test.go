package indexer

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
	"github.com/iasik/symbol-indexer/internal/vectordb/milvustest"
	"github.com/iasik/symbol-indexer/internal/vectordb/qdranttest"
)

func newStore(t *testing.T) (*milvustest.Server, *vectordb.Milvus) {
	t.Helper()
	srv := milvustest.NewServer()
	t.Cleanup(srv.Close)
	store, err := vectordb.NewMilvus(vectordb.Config{Address: srv.Address()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMilvus failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return srv, store
}

var testCollection = schema.Collection{Name: "symbols", VectorField: "embedding", Dimension: 3}

func TestEnsureCollectionIdempotent(t *testing.T) {
	srv, store := newStore(t)
	m := NewSchemaManager(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.EnsureCollection(ctx, store, testCollection, false); err != nil {
			t.Fatalf("EnsureCollection #%d failed: %v", i+1, err)
		}
	}

	if n := srv.Calls("CreateCollection"); n != 1 {
		t.Errorf("expected 1 create, got %d", n)
	}
	if n := srv.Calls("CreateIndex"); n != 1 {
		t.Errorf("expected 1 index create, got %d", n)
	}
	if n := srv.Calls("DropCollection"); n != 0 {
		t.Errorf("expected no drop, got %d", n)
	}
}

func TestEnsureCollectionQdrant(t *testing.T) {
	srv := qdranttest.NewServer()
	defer srv.Close()
	store, err := vectordb.NewQdrant(vectordb.Config{Address: srv.Address()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewQdrant failed: %v", err)
	}
	defer store.Close()
	m := NewSchemaManager(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.EnsureCollection(ctx, store, testCollection, false); err != nil {
			t.Fatalf("EnsureCollection #%d failed: %v", i+1, err)
		}
	}
	if n := srv.Calls("Collections/Create"); n != 1 {
		t.Errorf("expected 1 create, got %d", n)
	}
	if n := srv.Calls("Points/CreateFieldIndex"); n != 2 {
		t.Errorf("expected 2 payload index creates, got %d", n)
	}
	if has, err := store.HasIndex(ctx, testCollection); err != nil || !has {
		t.Errorf("HasIndex = %v, %v; want true", has, err)
	}
}

func TestEnsureCollectionReset(t *testing.T) {
	srv, store := newStore(t)
	m := NewSchemaManager(zap.NewNop())
	ctx := context.Background()

	// An existing collection with another shape.
	other := schema.Collection{Name: "symbols", VectorField: "embedding", Dimension: 8}
	if err := store.CreateCollection(ctx, other); err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	if _, err := m.EnsureCollection(ctx, store, testCollection, true); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if n := srv.Calls("DropCollection"); n != 1 {
		t.Errorf("expected 1 drop, got %d", n)
	}

	info, err := store.Describe(ctx, "symbols")
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	for _, f := range info.Fields {
		if f.Name == "embedding" && f.Params["dim"] != "3" {
			t.Errorf("expected recreated dim 3, got %s", f.Params["dim"])
		}
	}
	if len(info.Indexes) != 1 {
		t.Errorf("expected one index, got %d", len(info.Indexes))
	}
}

func TestEnsureCollectionResetOnMissing(t *testing.T) {
	srv, store := newStore(t)
	if _, err := NewSchemaManager(nil).EnsureCollection(context.Background(), store, testCollection, true); err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	if n := srv.Calls("DropCollection"); n != 0 {
		t.Errorf("drop should not be called for a missing collection, got %d", n)
	}
}

// racingStore hides the collection on the first existence check, as if a
// concurrent caller created it in between.
type racingStore struct {
	vectordb.Store
	checks int
}

func (r *racingStore) HasCollection(ctx context.Context, name string) (bool, error) {
	r.checks++
	if r.checks == 1 {
		return false, nil
	}
	return r.Store.HasCollection(ctx, name)
}

func TestEnsureCollectionConcurrentCreate(t *testing.T) {
	_, store := newStore(t)
	ctx := context.Background()
	if err := store.CreateCollection(ctx, testCollection); err != nil {
		t.Fatalf("CreateCollection failed: %v", err)
	}

	racing := &racingStore{Store: store}
	if _, err := NewSchemaManager(nil).EnsureCollection(ctx, racing, testCollection, false); err != nil {
		t.Fatalf("EnsureCollection should tolerate a concurrent create: %v", err)
	}
	if racing.checks != 2 {
		t.Errorf("expected a re-check after the create conflict, got %d checks", racing.checks)
	}
}

func TestEnsureCollectionValidates(t *testing.T) {
	_, store := newStore(t)
	_, err := NewSchemaManager(nil).EnsureCollection(context.Background(), store, schema.Collection{Name: "x", VectorField: "v"}, false)
	var verr *schema.ValidationError
	if !errors.As(err, &verr) || verr.Field != "dimension" {
		t.Errorf("expected dimension ValidationError, got %v", err)
	}
}

func TestEnsureCollectionUnreachable(t *testing.T) {
	store, err := vectordb.NewMilvus(vectordb.Config{Address: "127.0.0.1:1", TimeoutSeconds: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMilvus failed: %v", err)
	}
	defer store.Close()

	_, err = NewSchemaManager(nil).EnsureCollection(context.Background(), store, testCollection, false)
	var cerr *vectordb.ConnectivityError
	if !errors.As(err, &cerr) {
		t.Errorf("expected ConnectivityError, got %v", err)
	}
}
