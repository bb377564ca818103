package indexer

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// IngestRequest is the content of an ingestion request file.
type IngestRequest struct {
	MilvusAddress  string            `json:"milvusAddress,omitempty"`
	MilvusDatabase string            `json:"milvusDatabase,omitempty"`
	CollectionName string            `json:"collectionName"`
	VectorField    string            `json:"vectorField"`
	Dimension      int               `json:"dimension"`
	Reset          bool              `json:"reset,omitempty"`
	RawRows        []json.RawMessage `json:"rows"`

	// Records holds RawRows decoded against VectorField.
	Records []schema.SymbolRecord `json:"-"`
}

// LoadIngestRequest reads and decodes an ingestion request file. Rows are
// decoded but not validated against the collection; the pipeline does that.
func LoadIngestRequest(path string) (*IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ingest request: %w", err)
	}

	var req IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &schema.ValidationError{Field: "request", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if req.MilvusAddress == "" {
		req.MilvusAddress = vectordb.DefaultAddress
	}
	if err := req.Collection().Validate(); err != nil {
		return nil, err
	}

	req.Records = make([]schema.SymbolRecord, 0, len(req.RawRows))
	for i, raw := range req.RawRows {
		rec, err := schema.DecodeRecord(raw, req.VectorField)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		req.Records = append(req.Records, rec)
	}
	req.RawRows = nil
	return &req, nil
}

// Collection returns the collection descriptor named by the request.
func (r *IngestRequest) Collection() schema.Collection {
	return schema.Collection{
		Name:        r.CollectionName,
		VectorField: r.VectorField,
		Dimension:   r.Dimension,
	}
}

// StoreConfig returns the store client configuration for the request.
func (r *IngestRequest) StoreConfig() vectordb.Config {
	return vectordb.Config{
		Provider: "milvus",
		Address:  r.MilvusAddress,
		Database: r.MilvusDatabase,
		Token:    os.Getenv("MILVUS_TOKEN"),
	}
}
