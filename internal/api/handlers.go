package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/query"
	"github.com/iasik/symbol-indexer/internal/rerank"
	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// SearchRequest is the request body for POST /search.
type SearchRequest struct {
	// Query is the natural language search query
	Query string `json:"query"`

	// ModuleFilter restricts hits to one module
	ModuleFilter string `json:"module_filter,omitempty"`

	// Levels restricts hits to these index levels
	Levels []string `json:"levels,omitempty"`

	// Limit is the number of results to return (default: 5, max: server.max_limit)
	Limit int `json:"limit,omitempty"`

	// OutputFields selects the returned fields (default: all scalar fields)
	OutputFields []string `json:"output_fields,omitempty"`

	// Rerank overrides rerank.enabled for this request
	Rerank *bool `json:"rerank,omitempty"`
}

// SearchResponse is the response body for POST /search.
type SearchResponse struct {
	Results     []query.Hit `json:"results"`
	Reranked    bool        `json:"reranked"`
	QueryTimeMs int64       `json:"query_time_ms"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Version    string            `json:"version"`
}

// rerankFields are needed to build reranker candidates.
var rerankFields = []string{
	schema.FieldFQN,
	schema.FieldSummary,
	schema.FieldIndexLevel,
	schema.FieldModuleName,
	schema.FieldRepoName,
}

// handleSearch handles POST /search requests.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	cfg := s.cfg.Get()

	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = query.DefaultLimit
	}
	if limit > cfg.Server.MaxLimit {
		limit = cfg.Server.MaxLimit
	}

	fields := req.OutputFields
	if len(fields) == 0 {
		fields = schema.OutputFields()
	}
	for _, f := range fields {
		if !schema.IsScalarField(f) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown output field %q", f))
			return
		}
	}

	emb, store, rr := s.getProviders()
	useRerank := rr != nil && cfg.Rerank.Enabled
	if req.Rerank != nil {
		useRerank = rr != nil && *req.Rerank
	}

	searchFields := fields
	searchLimit := limit
	if useRerank {
		searchFields = union(fields, rerankFields)
		searchLimit = max(limit, cfg.Rerank.MaxCandidates)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	vector, err := emb.Embed(ctx, req.Query)
	if err != nil {
		s.logger.Error("embedding failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process query")
		return
	}

	qreq := &query.Request{
		CollectionName: cfg.VectorDB.CollectionName,
		VectorField:    cfg.VectorDB.VectorField,
		Vector:         vector,
		MetricType:     cfg.VectorDB.MetricType,
		SearchParams:   cfg.VectorDB.SearchParams,
		ModuleFilter:   req.ModuleFilter,
		Levels:         req.Levels,
		Limit:          searchLimit,
		OutputFields:   searchFields,
	}
	qreq.ApplyDefaults()
	if err := qreq.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := query.Run(ctx, store, s.planner, qreq)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		var cerr *vectordb.ConnectivityError
		if errors.As(err, &cerr) {
			writeError(w, http.StatusServiceUnavailable, "vector store unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	hits := resp.Results
	reranked := false
	if useRerank && len(hits) > 1 {
		hits, reranked = s.rerankHits(ctx, rr, cfg.Rerank, req.Query, hits)
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	if useRerank {
		hits = project(hits, fields)
	}

	writeJSON(w, http.StatusOK, SearchResponse{
		Results:     hits,
		Reranked:    reranked,
		QueryTimeMs: time.Since(startTime).Milliseconds(),
	})
}

// rerankHits reorders the leading candidates with the reranker. The
// reranked top_k come first, the remaining hits follow in store order.
// On failure the store order is kept.
func (s *Server) rerankHits(ctx context.Context, rr *rerank.Client, cfg config.RerankConfig, q string, hits []query.Hit) ([]query.Hit, bool) {
	n := min(cfg.MaxCandidates, len(hits))
	docs := make([]string, n)
	for i := 0; i < n; i++ {
		docs[i] = candidateText(hits[i])
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.GetTimeout())
	defer cancel()

	results, err := rr.Rerank(ctx, q, docs, cfg.TopK)
	if err != nil {
		observability.RerankRequestsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn("rerank failed, using store order", zap.Error(err))
		return hits, false
	}
	observability.RerankRequestsTotal.WithLabelValues("success").Inc()

	return mergeReranked(hits, results, cfg.TopK), true
}

// mergeReranked puts the first topK reranked hits, by descending rerank
// score, ahead of the rest.
func mergeReranked(hits []query.Hit, results []rerank.Result, topK int) []query.Hit {
	sorted := append([]rerank.Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	out := make([]query.Hit, 0, len(hits))
	seen := make(map[int]bool, len(hits))
	for _, res := range sorted {
		if topK > 0 && len(out) == topK {
			break
		}
		if res.Index < 0 || res.Index >= len(hits) || seen[res.Index] {
			continue
		}
		seen[res.Index] = true
		hit := hits[res.Index]
		hit.Fields = copyFields(hit.Fields)
		hit.Fields["rerank_score"] = res.Score
		out = append(out, hit)
	}
	for i, hit := range hits {
		if !seen[i] {
			out = append(out, hit)
		}
	}
	return out
}

// candidateText describes a hit for the reranker.
func candidateText(hit query.Hit) string {
	parts := []string{hit.String(schema.FieldFQN), hit.String(schema.FieldSummary)}
	if level := hit.String(schema.FieldIndexLevel); level != "" {
		parts = append(parts, "level="+level)
	}
	var where []string
	if m := hit.String(schema.FieldModuleName); m != "" {
		where = append(where, "module="+m)
	}
	if r := hit.String(schema.FieldRepoName); r != "" {
		where = append(where, "repo="+r)
	}
	if len(where) > 0 {
		parts = append(parts, strings.Join(where, " "))
	}

	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " | ")
}

// project keeps only the requested fields, plus the rerank score.
func project(hits []query.Hit, fields []string) []query.Hit {
	out := make([]query.Hit, len(hits))
	for i, h := range hits {
		f := make(map[string]any, len(fields)+1)
		for _, name := range fields {
			if v, ok := h.Fields[name]; ok {
				f[name] = v
			}
		}
		if v, ok := h.Fields["rerank_score"]; ok {
			f["rerank_score"] = v
		}
		out[i] = query.Hit{Fields: f, Score: h.Score}
	}
	return out
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	emb, store, _ := s.getProviders()

	components := make(map[string]string)
	status := "healthy"

	if err := emb.Health(ctx); err != nil {
		components["embedder"] = "error: " + err.Error()
		status = "degraded"
	} else {
		components["embedder"] = "ok"
	}

	if err := store.Health(ctx); err != nil {
		components["vectordb"] = "error: " + err.Error()
		status = "degraded"
	} else {
		components["vectordb"] = "ok"
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, HealthResponse{
		Status:     status,
		Components: components,
		Version:    s.version,
	})
}

// handleRoot handles GET / requests.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "symbol-indexer-retrieval-tool",
		"version": s.version,
		"endpoints": []string{
			"POST /search",
			"GET /health",
			"GET /metrics",
		},
	})
}
