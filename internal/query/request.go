// Package query implements the retrieval path: filter compilation, a single
// similarity search against the store and assembly of the ranked hits.
package query

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// Defaults applied to a Request.
const (
	DefaultMetric = "IP"
	DefaultLimit  = 5
)

var supportedMetrics = map[string]bool{"IP": true, "L2": true, "COSINE": true}

// Request is one retrieval request as read from a query request file.
type Request struct {
	MilvusAddress  string         `json:"milvusAddress,omitempty"`
	MilvusDatabase string         `json:"milvusDatabase,omitempty"`
	CollectionName string         `json:"collectionName"`
	VectorField    string         `json:"vectorField"`
	Vector         []float32      `json:"vector"`
	MetricType     string         `json:"metricType,omitempty"`
	SearchParams   map[string]any `json:"searchParams,omitempty"`
	ModuleFilter   string         `json:"moduleFilter,omitempty"`
	Levels         []string       `json:"levels,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	OutputFields   []string       `json:"outputFields,omitempty"`
}

// LoadRequest reads a request file, applies defaults and validates it.
func LoadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &schema.ValidationError{Field: "request", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}

	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// ApplyDefaults fills in the address, metric, limit and output fields.
// A zero limit counts as absent.
func (r *Request) ApplyDefaults() {
	if r.MilvusAddress == "" {
		r.MilvusAddress = vectordb.DefaultAddress
	}
	if r.MetricType == "" {
		r.MetricType = DefaultMetric
	}
	r.MetricType = strings.ToUpper(r.MetricType)
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}
	if len(r.OutputFields) == 0 {
		r.OutputFields = schema.OutputFields()
	}
}

// Validate checks the request after defaults have been applied.
func (r *Request) Validate() error {
	if r.CollectionName == "" {
		return &schema.ValidationError{Field: "collectionName", Reason: "is required"}
	}
	if r.VectorField == "" {
		return &schema.ValidationError{Field: "vectorField", Reason: "is required"}
	}
	if len(r.Vector) == 0 {
		return &schema.ValidationError{Field: "vector", Reason: "must not be empty"}
	}
	if !supportedMetrics[r.MetricType] {
		return &schema.ValidationError{Field: "metricType", Reason: fmt.Sprintf("unsupported metric %q", r.MetricType)}
	}
	if r.Limit < 1 {
		return &schema.ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	for _, f := range r.OutputFields {
		if !schema.IsScalarField(f) && f != r.VectorField {
			return &schema.ValidationError{Field: "outputFields", Reason: fmt.Sprintf("unknown field %q", f)}
		}
	}
	return nil
}

// Filter returns the structured filter of the request.
func (r *Request) Filter() vectordb.Filter {
	return vectordb.Filter{Module: r.ModuleFilter, Levels: r.Levels}
}

// StoreConfig returns the store client configuration for the request.
func (r *Request) StoreConfig() vectordb.Config {
	return vectordb.Config{
		Provider: "milvus",
		Address:  r.MilvusAddress,
		Database: r.MilvusDatabase,
		Token:    os.Getenv("MILVUS_TOKEN"),
	}
}
