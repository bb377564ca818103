package embedder

import (
	"context"
	"fmt"
	"net/http"
	"slices"
)

// OllamaEmbedder implements the Provider interface for Ollama. Batches go
// through /api/embed, which accepts many inputs per call.
type OllamaEmbedder struct {
	client     *http.Client
	endpoint   string
	model      string
	dimensions int
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaEmbedder creates a new Ollama embedding provider.
func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ollama endpoint is required")
	}
	return &OllamaEmbedder{
		client:     newHTTPClient(cfg.TimeoutSeconds),
		endpoint:   trimSlash(cfg.Endpoint),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed generates an embedding vector for a single text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for multiple texts in one call.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result ollamaEmbedResponse
	err := postJSON(ctx, o.client, o.endpoint+"/api/embed", nil,
		ollamaEmbedRequest{Model: o.model, Input: texts}, &result)
	if err != nil {
		return nil, err
	}
	if err := checkVectors(result.Embeddings, len(texts), o.dimensions); err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return result.Embeddings, nil
}

// ModelInfo returns information about the current model.
func (o *OllamaEmbedder) ModelInfo() ModelInfo {
	return ModelInfo{Provider: "ollama", Model: o.model, Dimensions: o.dimensions}
}

// Health reports whether Ollama is up and has the model pulled.
func (o *OllamaEmbedder) Health(ctx context.Context) error {
	var tags ollamaTagsResponse
	if err := getJSON(ctx, o.client, o.endpoint+"/api/tags", &tags); err != nil {
		return fmt.Errorf("ollama health: %w", err)
	}

	want := []string{o.model, o.model + ":latest"}
	for _, m := range tags.Models {
		if slices.Contains(want, m.Name) {
			return nil
		}
	}
	return fmt.Errorf("ollama has no model %q (ollama pull %s)", o.model, o.model)
}

// Close releases idle connections.
func (o *OllamaEmbedder) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
