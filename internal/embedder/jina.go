package embedder

import (
	"context"
	"fmt"
	"net/http"
)

// JinaEmbedder talks to a Jina-compatible embedding service exposing
// POST /embed. Queries are sent with the query instruction and documents
// with the passage instruction.
type JinaEmbedder struct {
	client             *http.Client
	endpoint           string
	model              string
	dimensions         int
	queryInstruction   string
	passageInstruction string
}

type jinaEmbedRequest struct {
	Inputs      any    `json:"inputs"`
	Instruction string `json:"instruction,omitempty"`
}

type jinaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewJinaEmbedder creates a new Jina embedding provider.
func NewJinaEmbedder(cfg Config) (*JinaEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("jina endpoint is required")
	}

	query, passage := cfg.QueryInstruction, cfg.PassageInstruction
	if query == "" {
		query = "retrieval.query"
	}
	if passage == "" {
		passage = "retrieval.passage"
	}

	return &JinaEmbedder{
		client:             newHTTPClient(cfg.TimeoutSeconds),
		endpoint:           trimSlash(cfg.Endpoint),
		model:              cfg.Model,
		dimensions:         cfg.Dimensions,
		queryInstruction:   query,
		passageInstruction: passage,
	}, nil
}

// Embed embeds a single query text.
func (j *JinaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := j.embed(ctx, text, 1, j.queryInstruction)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds document texts.
func (j *JinaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return j.embed(ctx, texts, len(texts), j.passageInstruction)
}

func (j *JinaEmbedder) embed(ctx context.Context, inputs any, n int, instruction string) ([][]float32, error) {
	var result jinaEmbedResponse
	err := postJSON(ctx, j.client, j.endpoint+"/embed", nil,
		jinaEmbedRequest{Inputs: inputs, Instruction: instruction}, &result)
	if err != nil {
		return nil, err
	}
	if err := checkVectors(result.Embeddings, n, j.dimensions); err != nil {
		return nil, fmt.Errorf("jina: %w", err)
	}
	return result.Embeddings, nil
}

// ModelInfo returns information about the current model.
func (j *JinaEmbedder) ModelInfo() ModelInfo {
	return ModelInfo{Provider: "jina", Model: j.model, Dimensions: j.dimensions}
}

// Health embeds a probe string; the service has no dedicated health route.
func (j *JinaEmbedder) Health(ctx context.Context) error {
	if _, err := j.Embed(ctx, "health"); err != nil {
		return fmt.Errorf("jina health check failed: %w", err)
	}
	return nil
}

// Close releases idle connections.
func (j *JinaEmbedder) Close() error {
	j.client.CloseIdleConnections()
	return nil
}
