package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/iasik/symbol-indexer/internal/embedder"
)

// Scores holds one relevance score per document, in input order, and the
// document embeddings when they were requested and the scorer has them.
// A NaN value marks a document the scorer could not score.
type Scores struct {
	Values     []float64
	Embeddings [][]float32
}

// Scorer computes relevance of documents to a query.
type Scorer interface {
	Score(ctx context.Context, query string, documents []string, withEmbeddings bool) (*Scores, error)
	Model() string
	Device() string
}

// UpstreamScorer delegates to a Jina-compatible rerank API.
type UpstreamScorer struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

// NewUpstreamScorer creates a scorer that posts to endpoint.
func NewUpstreamScorer(endpoint, model, apiKey string, timeout time.Duration) *UpstreamScorer {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &UpstreamScorer{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type upstreamRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type upstreamResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score asks the upstream API to score every document. Embeddings are never
// returned by this scorer.
func (u *UpstreamScorer) Score(ctx context.Context, query string, documents []string, _ bool) (*Scores, error) {
	body, err := json.Marshal(upstreamRequest{
		Model:     u.model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream rerank failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream rerank returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload upstreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}

	// Documents the upstream did not score stay NaN and are dropped by the service.
	values := make([]float64, len(documents))
	for i := range values {
		values[i] = math.NaN()
	}
	for _, r := range payload.Results {
		if r.Index < 0 || r.Index >= len(values) {
			return nil, fmt.Errorf("upstream returned out-of-range index %d", r.Index)
		}
		values[r.Index] = r.RelevanceScore
	}
	return &Scores{Values: values}, nil
}

// Model returns the upstream model name.
func (u *UpstreamScorer) Model() string { return u.model }

// Device reports where scoring happens.
func (u *UpstreamScorer) Device() string { return "upstream" }

// EmbeddingScorer ranks documents by cosine similarity between the query
// embedding and each document embedding.
type EmbeddingScorer struct {
	provider embedder.Provider
}

// NewEmbeddingScorer creates a scorer backed by an embedding provider.
func NewEmbeddingScorer(provider embedder.Provider) *EmbeddingScorer {
	return &EmbeddingScorer{provider: provider}
}

// Score embeds the query and documents and compares them.
func (e *EmbeddingScorer) Score(ctx context.Context, query string, documents []string, withEmbeddings bool) (*Scores, error) {
	q, err := e.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	docs, err := e.provider.EmbedBatch(ctx, documents)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(docs) != len(documents) {
		return nil, fmt.Errorf("expected %d document embeddings, got %d", len(documents), len(docs))
	}

	scores := &Scores{Values: make([]float64, len(docs))}
	for i, d := range docs {
		scores.Values[i] = Cosine(q, d)
	}
	if withEmbeddings {
		scores.Embeddings = docs
	}
	return scores, nil
}

// Model returns the embedding model name.
func (e *EmbeddingScorer) Model() string { return e.provider.ModelInfo().Model }

// Device reports the embedding provider doing the work.
func (e *EmbeddingScorer) Device() string { return "embedding:" + e.provider.ModelInfo().Provider }

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
