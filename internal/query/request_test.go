package query

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/iasik/symbol-indexer/internal/schema"
)

func writeRequest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "query.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}
	return path
}

func TestLoadRequestDefaults(t *testing.T) {
	path := writeRequest(t, `{"collectionName":"symbols","vectorField":"embedding","vector":[0.1,0.2]}`)

	req, err := LoadRequest(path)
	if err != nil {
		t.Fatalf("LoadRequest failed: %v", err)
	}
	if req.MilvusAddress != "127.0.0.1:19530" {
		t.Errorf("unexpected default address %q", req.MilvusAddress)
	}
	if req.MetricType != "IP" {
		t.Errorf("unexpected default metric %q", req.MetricType)
	}
	if req.Limit != 5 {
		t.Errorf("unexpected default limit %d", req.Limit)
	}
	if len(req.OutputFields) != len(schema.OutputFields()) {
		t.Errorf("expected all scalar output fields, got %v", req.OutputFields)
	}
	if !req.Filter().IsEmpty() {
		t.Error("expected empty filter")
	}
}

func TestLoadRequestValidation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "malformed", body: `{"collectionName":`, wantField: "request"},
		{name: "no collection", body: `{"vectorField":"v","vector":[1]}`, wantField: "collectionName"},
		{name: "no vector field", body: `{"collectionName":"c","vector":[1]}`, wantField: "vectorField"},
		{name: "empty vector", body: `{"collectionName":"c","vectorField":"v","vector":[]}`, wantField: "vector"},
		{name: "bad metric", body: `{"collectionName":"c","vectorField":"v","vector":[1],"metricType":"HAMMING"}`, wantField: "metricType"},
		{name: "negative limit", body: `{"collectionName":"c","vectorField":"v","vector":[1],"limit":-1}`, wantField: "limit"},
		{name: "unknown field", body: `{"collectionName":"c","vectorField":"v","vector":[1],"outputFields":["nope"]}`, wantField: "outputFields"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRequest(writeRequest(t, tt.body))
			var verr *schema.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, verr.Field)
			}
		})
	}
}

func TestLoadRequestMissingFile(t *testing.T) {
	if _, err := LoadRequest(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMetricIsNormalized(t *testing.T) {
	req := &Request{CollectionName: "c", VectorField: "v", Vector: []float32{1}, MetricType: "cosine"}
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if req.MetricType != "COSINE" {
		t.Errorf("expected COSINE, got %q", req.MetricType)
	}
}
