package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iasik/symbol-indexer/internal/config"
)

func TestOllamaEmbedBatch(t *testing.T) {
	var got ollamaEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		resp := ollamaEmbedResponse{}
		for i := range got.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(Config{Endpoint: srv.URL + "/", Model: "m", Dimensions: 2})
	if err != nil {
		t.Fatalf("NewOllamaEmbedder failed: %v", err)
	}

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vectors) != 3 || vectors[2][0] != 2 {
		t.Errorf("unexpected vectors: %v", vectors)
	}
	if got.Model != "m" || len(got.Input) != 3 {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestOllamaRejectsWrongDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1,2,3]]}`))
	}))
	defer srv.Close()

	e, _ := NewOllamaEmbedder(Config{Endpoint: srv.URL, Model: "m", Dimensions: 2})
	if _, err := e.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestOllamaHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"nomic-embed-text:latest"}]}`))
	}))
	defer srv.Close()

	e, _ := NewOllamaEmbedder(Config{Endpoint: srv.URL, Model: "nomic-embed-text"})
	if err := e.Health(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	missing, _ := NewOllamaEmbedder(Config{Endpoint: srv.URL, Model: "other"})
	if err := missing.Health(context.Background()); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestOpenAIOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(Config{Endpoint: srv.URL, APIKey: "secret", Model: "m"})
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder failed: %v", err)
	}
	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors not ordered by index: %v", vectors)
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder(Config{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestJinaInstructions(t *testing.T) {
	var instructions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs      json.RawMessage `json:"inputs"`
			Instruction string          `json:"instruction"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		instructions = append(instructions, req.Instruction)
		if strings.HasPrefix(string(req.Inputs), "[") {
			_, _ = w.Write([]byte(`{"embeddings":[[1,0],[0,1]]}`))
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.5]]}`))
	}))
	defer srv.Close()

	e, err := NewJinaEmbedder(Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewJinaEmbedder failed: %v", err)
	}

	if _, err := e.Embed(context.Background(), "query"); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}

	if len(instructions) != 2 || instructions[0] != "retrieval.query" || instructions[1] != "retrieval.passage" {
		t.Errorf("unexpected instructions: %v", instructions)
	}
}

func TestUpstreamErrorIncludesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, _ := NewJinaEmbedder(Config{Endpoint: srv.URL})
	_, err := e.Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		provider string
		wantErr  bool
	}{
		{"ollama", false},
		{"jina", false},
		{"openai", true}, // no key in env
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			_, err := NewProvider(config.EmbeddingConfig{
				Provider: tt.provider,
				Endpoint: "http://127.0.0.1:1",
				Model:    "m",
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider(%s) error = %v, wantErr %v", tt.provider, err, tt.wantErr)
			}
		})
	}
}
