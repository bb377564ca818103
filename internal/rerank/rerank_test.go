package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/embedder"
)

type staticScorer struct {
	values []float64
	err    error
}

func (s *staticScorer) Score(ctx context.Context, query string, documents []string, withEmbeddings bool) (*Scores, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Scores{Values: s.values[:len(documents)]}, nil
}

func (s *staticScorer) Model() string  { return "static" }
func (s *staticScorer) Device() string { return "cpu" }

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rerank", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServiceRejectsBadRequests(t *testing.T) {
	h := NewService(&staticScorer{values: []float64{1}}, 0, zap.NewNop()).Routes()

	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"empty documents", `{"query":"q","documents":[]}`, "documents must not be empty"},
		{"missing documents", `{"query":"q"}`, "documents must not be empty"},
		{"missing query", `{"documents":["a"]}`, "query is required"},
		{"blank query", `{"query":"  ","documents":["a"]}`, "query is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var resp map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp["detail"] != tt.detail {
				t.Errorf("expected detail %q, got %q", tt.detail, resp["detail"])
			}
		})
	}
}

func TestServiceSortsAndTruncates(t *testing.T) {
	h := NewService(&staticScorer{values: []float64{0.1, 0.9, 0.5}}, 0, zap.NewNop()).Routes()

	rec := post(t, h, `{"query":"q","documents":["a","b","c"],"top_k":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Index != 1 || resp.Results[1].Index != 2 {
		t.Errorf("unexpected order: %+v", resp.Results)
	}
	if resp.Model != "static" || resp.Device != "cpu" {
		t.Errorf("unexpected model/device: %s/%s", resp.Model, resp.Device)
	}
}

func TestServiceScorerFailure(t *testing.T) {
	h := NewService(&staticScorer{err: errors.New("model exploded")}, 0, zap.NewNop()).Routes()

	rec := post(t, h, `{"query":"q","documents":["a"]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model exploded") {
		t.Errorf("expected error detail in body, got %s", rec.Body.String())
	}
}

func TestRankDropsUnscored(t *testing.T) {
	results := Rank(&Scores{Values: []float64{0.2, math.NaN(), 0.4}}, 0)
	if len(results) != 2 || results[0].Index != 2 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestClientAcceptsBothScoreSpellings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"index":1,"score":0.8},{"index":0,"relevance_score":0.3}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	defer c.Close()

	results, err := c.Rerank(context.Background(), "q", []string{"a", "b"}, 2)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if len(results) != 2 || results[0].Index != 1 || results[1].Score != 0.3 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestClientAgainstService(t *testing.T) {
	srv := httptest.NewServer(NewService(&staticScorer{values: []float64{0.3, 0.7}}, 0, zap.NewNop()).Routes())
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	results, err := c.Rerank(context.Background(), "q", []string{"a", "b"}, 0)
	if err != nil {
		t.Fatalf("Rerank failed: %v", err)
	}
	if results[0].Index != 1 {
		t.Errorf("expected index 1 first, got %+v", results)
	}

	if _, err := c.Rerank(context.Background(), "q", nil, 0); err == nil {
		t.Error("expected error for empty documents")
	}
}

func TestUpstreamScorer(t *testing.T) {
	var got upstreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"results":[{"index":1,"relevance_score":0.9},{"index":0,"relevance_score":0.1}]}`))
	}))
	defer srv.Close()

	s := NewUpstreamScorer(srv.URL, "jina-reranker", "key", 0)
	scores, err := s.Score(context.Background(), "q", []string{"a", "b"}, false)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores.Values[0] != 0.1 || scores.Values[1] != 0.9 {
		t.Errorf("scores not placed by index: %v", scores.Values)
	}
	if got.Model != "jina-reranker" || got.TopN != 2 {
		t.Errorf("unexpected upstream request: %+v", got)
	}
}

type fakeProvider struct{}

func (fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == "match" {
			out[i] = []float32{2, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (fakeProvider) ModelInfo() embedder.ModelInfo {
	return embedder.ModelInfo{Provider: "fake", Model: "fake-model", Dimensions: 2}
}
func (fakeProvider) Health(ctx context.Context) error { return nil }
func (fakeProvider) Close() error                     { return nil }

func TestEmbeddingScorer(t *testing.T) {
	s := NewEmbeddingScorer(fakeProvider{})

	scores, err := s.Score(context.Background(), "q", []string{"other", "match"}, true)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if scores.Values[0] != 0 || scores.Values[1] != 1 {
		t.Errorf("unexpected cosine scores: %v", scores.Values)
	}
	if len(scores.Embeddings) != 2 {
		t.Errorf("expected embeddings to be returned")
	}
	if s.Device() != "embedding:fake" || s.Model() != "fake-model" {
		t.Errorf("unexpected model/device: %s/%s", s.Model(), s.Device())
	}
}

func TestCosine(t *testing.T) {
	if c := Cosine([]float32{1, 1}, []float32{1, 1}); math.Abs(c-1) > 1e-9 {
		t.Errorf("expected 1, got %v", c)
	}
	if c := Cosine([]float32{0, 0}, []float32{1, 1}); c != 0 {
		t.Errorf("expected 0 for zero vector, got %v", c)
	}
	if c := Cosine([]float32{1}, []float32{1, 1}); c != 0 {
		t.Errorf("expected 0 for length mismatch, got %v", c)
	}
}
