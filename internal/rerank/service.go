package rerank

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/observability"
)

// Service serves POST /rerank on top of a Scorer. It never loads a model.
type Service struct {
	scorer  Scorer
	timeout time.Duration
	logger  *zap.Logger
}

// NewService creates a rerank service. timeout bounds each scoring call.
func NewService(scorer Scorer, timeout time.Duration, logger *zap.Logger) *Service {
	return &Service{scorer: scorer, timeout: timeout, logger: logger}
}

// Routes returns the service router.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/rerank", s.handleRerank)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"model":  s.scorer.Model(),
			"device": s.scorer.Device(),
		})
	})
	return r
}

func (s *Service) handleRerank(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.fail(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.Documents) == 0 {
		s.fail(w, http.StatusBadRequest, "documents must not be empty")
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	scores, err := s.scorer.Score(ctx, req.Query, req.Documents, req.ReturnEmbeddings)
	if err != nil {
		s.logger.Error("rerank scoring failed", zap.Error(err), zap.Int("documents", len(req.Documents)))
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := Rank(scores, req.TopK)
	observability.RerankRequestsTotal.WithLabelValues("success").Inc()
	writeJSON(w, http.StatusOK, Response{
		Results: results,
		Model:   s.scorer.Model(),
		Device:  s.scorer.Device(),
	})
}

// Rank orders scored documents by descending score, ties by index, and keeps
// the first topK when topK is positive.
func Rank(scores *Scores, topK int) []Result {
	results := make([]Result, 0, len(scores.Values))
	for i, v := range scores.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		res := Result{Index: i, Score: v}
		if i < len(scores.Embeddings) {
			res.Embedding = scores.Embeddings[i]
		}
		results = append(results, res)
	}

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Score > results[b].Score
	})

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results
}

func (s *Service) fail(w http.ResponseWriter, status int, detail string) {
	observability.RerankRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
