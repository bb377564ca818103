package embedder

import (
	"context"
	"fmt"
	"net/http"
)

// OpenAIEmbedder implements the Provider interface for OpenAI-compatible
// /embeddings endpoints.
type OpenAIEmbedder struct {
	client     *http.Client
	endpoint   string
	model      string
	apiKey     string
	dimensions int
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIEmbedder creates a new OpenAI embedding provider.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}

	return &OpenAIEmbedder{
		client:     newHTTPClient(cfg.TimeoutSeconds),
		endpoint:   trimSlash(endpoint),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed generates an embedding vector for a single text.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for multiple texts. The API may
// return items out of order, so they are placed by index.
func (o *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result openAIEmbedResponse
	err := postJSON(ctx, o.client, o.endpoint+"/embeddings",
		map[string]string{"Authorization": "Bearer " + o.apiKey},
		openAIEmbedRequest{Model: o.model, Input: texts, Dimensions: o.dimensions}, &result)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("OpenAI error: %s", result.Error.Message)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("OpenAI returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	if err := checkVectors(vectors, len(texts), o.dimensions); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return vectors, nil
}

// ModelInfo returns information about the current model.
func (o *OpenAIEmbedder) ModelInfo() ModelInfo {
	return ModelInfo{Provider: "openai", Model: o.model, Dimensions: o.dimensions}
}

// Health embeds a probe string to verify connectivity and the API key.
func (o *OpenAIEmbedder) Health(ctx context.Context) error {
	if _, err := o.Embed(ctx, "health"); err != nil {
		return fmt.Errorf("OpenAI health check failed: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (o *OpenAIEmbedder) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
