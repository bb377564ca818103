package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/indexer"
	"github.com/iasik/symbol-indexer/internal/query"
	"github.com/iasik/symbol-indexer/internal/rerank"
	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
	"github.com/iasik/symbol-indexer/internal/vectordb/milvustest"
)

type fakeEmbedder struct {
	vectors   map[string][]float32
	healthErr error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelInfo() embedder.ModelInfo {
	return embedder.ModelInfo{Provider: "fake", Model: "fake", Dimensions: 3}
}

func (f *fakeEmbedder) Health(ctx context.Context) error { return f.healthErr }

func (f *fakeEmbedder) Close() error { return nil }

const testConfig = `embedding:
  dimensions: 3
vectordb:
  collection_name: symbols
  vector_field: embedding
rerank:
  max_candidates: 10
  top_k: 2
  timeout: 2s
`

type fixture struct {
	server *Server
	emb    *fakeEmbedder
	store  vectordb.Store
}

func newFixture(t *testing.T, rr *rerank.Client) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := config.NewManager(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	srv := milvustest.NewServer()
	t.Cleanup(srv.Close)
	store, err := vectordb.NewMilvus(vectordb.Config{Address: srv.Address()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMilvus failed: %v", err)
	}

	ctx := context.Background()
	coll, err := indexer.NewSchemaManager(nil).EnsureCollection(ctx, store,
		schema.Collection{Name: "symbols", VectorField: "embedding", Dimension: 3}, false)
	if err != nil {
		t.Fatalf("EnsureCollection failed: %v", err)
	}
	records := []schema.SymbolRecord{
		{ID: "class:shop.Cart", IndexLevel: "class", ModuleName: "shop", FQN: "shop.Cart", Summary: "Cart holds items.", Vector: []float32{1, 0, 0}},
		{ID: "class:billing.Invoice", IndexLevel: "class", ModuleName: "billing", FQN: "billing.Invoice", Summary: "Invoice bills.", Vector: []float32{0.8, 0.6, 0}},
		{ID: "method:billing.Invoice#Total", IndexLevel: "method", ModuleName: "billing", FQN: "billing.Invoice.Total", Summary: "Total sums lines.", Vector: []float32{0, 1, 0}},
	}
	if _, err := indexer.NewPipeline(nil, io.Discard).Ingest(ctx, store, coll, records); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"shopping cart": {1, 0, 0},
		"sum of lines":  {0, 1, 0},
	}}
	s := NewServer(cfg, emb, store, rr, zap.NewNop(), "test")
	t.Cleanup(func() { store.Close() })
	return &fixture{server: s, emb: emb, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.server.Routes().ServeHTTP(w, req)
	return w
}

func decodeSearch(t *testing.T, w *httptest.ResponseRecorder) (fqns []string, scores []float64, reranked bool) {
	t.Helper()
	var resp struct {
		Results  []map[string]any `json:"results"`
		Reranked bool             `json:"reranked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	for _, r := range resp.Results {
		fqn, _ := r["fqn"].(string)
		fqns = append(fqns, fqn)
		score, _ := r["score"].(float64)
		scores = append(scores, score)
	}
	return fqns, scores, resp.Reranked
}

func TestSearchReturnsNearest(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/search", `{"query": "shopping cart", "limit": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	fqns, scores, reranked := decodeSearch(t, w)
	if len(fqns) != 1 || fqns[0] != "shop.Cart" {
		t.Fatalf("expected [shop.Cart], got %v", fqns)
	}
	if scores[0] < 0.999 || scores[0] > 1.001 {
		t.Errorf("expected score 1.0, got %v", scores[0])
	}
	if reranked {
		t.Error("reranking should be off")
	}
}

func TestSearchFilters(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "levels",
			body: `{"query": "shopping cart", "levels": ["method"]}`,
			want: []string{"billing.Invoice.Total"},
		},
		{
			name: "module",
			body: `{"query": "shopping cart", "module_filter": "billing"}`,
			want: []string{"billing.Invoice", "billing.Invoice.Total"},
		},
		{
			name: "no filter",
			body: `{"query": "shopping cart"}`,
			want: []string{"shop.Cart", "billing.Invoice", "billing.Invoice.Total"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			w := f.do(t, http.MethodPost, "/search", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			fqns, _, _ := decodeSearch(t, w)
			if strings.Join(fqns, ",") != strings.Join(tt.want, ",") {
				t.Errorf("expected %v, got %v", tt.want, fqns)
			}
		})
	}
}

func TestSearchBadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "malformed", body: `{"query":`, wantErr: "invalid request body"},
		{name: "missing query", body: `{"limit": 3}`, wantErr: "query is required"},
		{name: "blank query", body: `{"query": "  "}`, wantErr: "query is required"},
		{name: "unknown field", body: `{"query": "shopping cart", "output_fields": ["secret"]}`, wantErr: "unknown output field"},
	}

	f := newFixture(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/search", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %s", tt.wantErr, w.Body.String())
			}
		})
	}
}

func TestSearchEmbeddingFailure(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/search", `{"query": "unknown words"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestSearchOutputFields(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/search", `{"query": "shopping cart", "limit": 1, "output_fields": ["fqn"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || len(resp.Results[0]) != 2 {
		t.Errorf("expected fqn and score only, got %v", resp.Results)
	}
}

// stubReranker serves /rerank with scores that favour the last document.
func stubReranker(t *testing.T, status int) *rerank.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		var req rerank.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var resp rerank.Response
		for i := range req.Documents {
			resp.Results = append(resp.Results, rerank.Result{Index: i, Score: float64(i)})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return rerank.NewClient(srv.URL, time.Second)
}

func TestSearchRerank(t *testing.T) {
	f := newFixture(t, stubReranker(t, http.StatusOK))

	w := f.do(t, http.MethodPost, "/search", `{"query": "shopping cart", "rerank": true, "output_fields": ["fqn"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	fqns, _, reranked := decodeSearch(t, w)
	if !reranked {
		t.Fatal("expected reranked response")
	}
	want := "billing.Invoice.Total,billing.Invoice,shop.Cart"
	if strings.Join(fqns, ",") != want {
		t.Errorf("expected %s, got %v", want, fqns)
	}
}

func TestSearchRerankFallback(t *testing.T) {
	f := newFixture(t, stubReranker(t, http.StatusInternalServerError))

	w := f.do(t, http.MethodPost, "/search", `{"query": "shopping cart", "rerank": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	fqns, _, reranked := decodeSearch(t, w)
	if reranked {
		t.Error("failed rerank must not be reported as reranked")
	}
	if strings.Join(fqns, ",") != "shop.Cart,billing.Invoice,billing.Invoice.Total" {
		t.Errorf("expected store order, got %v", fqns)
	}
}

func TestMergeReranked(t *testing.T) {
	hits := []query.Hit{
		{Fields: map[string]any{"fqn": "a"}, Score: 0.9},
		{Fields: map[string]any{"fqn": "b"}, Score: 0.8},
		{Fields: map[string]any{"fqn": "c"}, Score: 0.7},
		{Fields: map[string]any{"fqn": "d"}, Score: 0.6},
	}
	results := []rerank.Result{
		{Index: 2, Score: 0.95},
		{Index: 0, Score: 0.1},
		{Index: 1, Score: 0.5},
		{Index: 2, Score: 0.4},
		{Index: 9, Score: 0.99},
	}

	merged := mergeReranked(hits, results, 2)

	var got []string
	for _, h := range merged {
		got = append(got, h.String("fqn"))
	}
	if strings.Join(got, ",") != "c,b,a,d" {
		t.Errorf("unexpected order %v", got)
	}
	if merged[0].Fields["rerank_score"] != 0.95 {
		t.Errorf("expected rerank score on first hit, got %v", merged[0].Fields)
	}
	if _, ok := hits[2].Fields["rerank_score"]; ok {
		t.Error("input hits must not be modified")
	}
}

func TestCandidateText(t *testing.T) {
	hit := query.Hit{Fields: map[string]any{
		"fqn":         "shop.Cart",
		"summary":     "Cart holds items.",
		"index_level": "class",
		"module_name": "shop",
		"repo_name":   "store",
	}}
	want := "shop.Cart | Cart holds items. | level=class | module=shop repo=store"
	if got := candidateText(hit); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	if got := candidateText(query.Hit{Fields: map[string]any{"fqn": "x"}}); got != "x" {
		t.Errorf("expected bare fqn, got %q", got)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	f.emb.healthErr = errors.New("model not loaded")
	w = f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" || resp.Components["vectordb"] != "ok" {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestRootAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.do(t, http.MethodGet, "/", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "POST /search") {
		t.Errorf("unexpected root response %d %s", w.Code, w.Body.String())
	}

	f.do(t, http.MethodPost, "/search", `{"query": "shopping cart"}`)
	w := f.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("symbol_http_requests_total")) {
		t.Error("expected request counter in metrics output")
	}
}

func TestUpdateProviders(t *testing.T) {
	f := newFixture(t, nil)
	replacement := &fakeEmbedder{vectors: map[string][]float32{"anything": {0, 1, 0}}}

	f.server.UpdateProviders(replacement, f.store, nil)

	w := f.do(t, http.MethodPost, "/search", `{"query": "anything", "limit": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	fqns, _, _ := decodeSearch(t, w)
	if len(fqns) != 1 || fqns[0] != "billing.Invoice.Total" {
		t.Errorf("expected the replacement embedder to be used, got %v", fqns)
	}
}
