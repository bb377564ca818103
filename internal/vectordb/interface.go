// Package vectordb provides the vector store clients used by the symbol
// indexer. A Store is an explicit client handle: callers create one per
// invocation, pass it to every operation and Close it when done.
package vectordb

import (
	"context"

	"github.com/iasik/symbol-indexer/internal/schema"
)

// Store defines the operations the indexer needs from a vector store.
// All implementations must satisfy this interface.
type Store interface {
	// HasCollection reports whether the collection exists.
	HasCollection(ctx context.Context, name string) (bool, error)

	// DropCollection removes the collection and all of its data.
	DropCollection(ctx context.Context, name string) error

	// CreateCollection creates the collection with the descriptor's
	// scalar fields plus a vector field of coll.Dimension components.
	CreateCollection(ctx context.Context, coll schema.Collection) error

	// HasIndex reports whether an index exists on the vector field.
	HasIndex(ctx context.Context, coll schema.Collection) (bool, error)

	// CreateIndex builds idx on the vector field.
	CreateIndex(ctx context.Context, coll schema.Collection, idx schema.Index) error

	// Insert writes one batch of records.
	Insert(ctx context.Context, coll schema.Collection, records []schema.SymbolRecord) error

	// Load makes previously inserted data visible to searches.
	Load(ctx context.Context, name string) error

	// Search runs a single similarity search.
	Search(ctx context.Context, req SearchRequest) ([]RawHit, error)

	// Describe returns the live schema and indexes of a collection.
	Describe(ctx context.Context, name string) (*CollectionInfo, error)

	// Health checks if the store is reachable.
	Health(ctx context.Context) error

	// Close releases any resources held by the client.
	Close() error
}

// Filter is the structured form of a search filter. The zero value
// matches everything.
type Filter struct {
	// Module restricts hits to a single module_name.
	Module string

	// Levels restricts hits to any of the given index_level values.
	Levels []string
}

// IsEmpty reports whether the filter matches everything.
func (f Filter) IsEmpty() bool {
	return f.Module == "" && len(f.Levels) == 0
}

// SearchRequest carries everything needed for one similarity search.
type SearchRequest struct {
	Collection  string
	VectorField string
	Vector      []float32

	// Metric is the similarity metric, e.g. "IP".
	Metric string

	// Params are passed through to the store as search parameters.
	Params map[string]any

	// Expr is the compiled boolean filter expression; empty means none.
	Expr string

	// Filter is the structured filter Expr was compiled from, for stores
	// that do not accept expressions.
	Filter Filter

	Limit        int
	OutputFields []string
}

// RawHit is one search hit as returned by the store, in store order.
type RawHit struct {
	Score  float64
	Fields map[string]any
}

// CollectionInfo describes a live collection.
type CollectionInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Fields      []FieldInfo `json:"fields"`
	Indexes     []IndexInfo `json:"indexes"`
	LoadState   string      `json:"load_state,omitempty"`
}

// FieldInfo describes one field of a live collection.
type FieldInfo struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Primary bool              `json:"primary,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// IndexInfo describes one index of a live collection.
type IndexInfo struct {
	Field  string `json:"field"`
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Metric string `json:"metric,omitempty"`
}

// Config holds common configuration for store clients.
type Config struct {
	// Provider name: milvus or qdrant
	Provider string

	// Address in host:port form, optionally prefixed with http:// or https://
	Address string

	// Database name (Milvus only)
	Database string

	// Token is sent as a bearer token when set
	Token string

	// Request timeout in seconds; 0 means no client-side timeout
	TimeoutSeconds int
}
