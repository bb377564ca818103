// Package api provides the HTTP server and handlers for the retrieval tool.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iasik/symbol-indexer/internal/config"
	"github.com/iasik/symbol-indexer/internal/embedder"
	"github.com/iasik/symbol-indexer/internal/observability"
	"github.com/iasik/symbol-indexer/internal/query"
	"github.com/iasik/symbol-indexer/internal/rerank"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// Server represents the HTTP API server.
type Server struct {
	cfg        *config.Manager
	embedder   embedder.Provider
	store      vectordb.Store
	reranker   *rerank.Client
	planner    *query.Planner
	logger     *zap.Logger
	httpServer *http.Server
	mu         sync.RWMutex
	version    string
}

// NewServer creates a new API server. reranker may be nil when reranking
// is disabled.
func NewServer(
	cfg *config.Manager,
	emb embedder.Provider,
	store vectordb.Store,
	reranker *rerank.Client,
	logger *zap.Logger,
	version string,
) *Server {
	return &Server{
		cfg:      cfg,
		embedder: emb,
		store:    store,
		reranker: reranker,
		planner:  query.NewPlanner(logger),
		logger:   logger,
		version:  version,
	}
}

// Routes returns the router serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Post("/search", s.handleSearch)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", s.handleRoot)
	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Get()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	s.setupHotReload(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", s.version))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	cfg := s.cfg.Get()
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	emb, store, rr := s.getProviders()
	if err := emb.Close(); err != nil {
		s.logger.Warn("embedder close error", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		s.logger.Warn("store close error", zap.Error(err))
	}
	if rr != nil {
		rr.Close()
	}

	s.logger.Info("server stopped")
	return nil
}

// setupHotReload reloads configuration on SIGHUP and whenever the config
// file changes.
func (s *Server) setupHotReload(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				s.logger.Info("received SIGHUP, reloading config")
				if err := s.cfg.Reload(); err != nil {
					s.logger.Error("config reload failed", zap.Error(err))
				} else {
					s.logger.Info("config reloaded successfully")
				}
			}
		}
	}()

	if err := s.cfg.Watch(ctx, s.logger); err != nil {
		s.logger.Warn("config file watch disabled", zap.Error(err))
	}
}

// UpdateProviders swaps the providers after a configuration change and
// closes the old ones.
func (s *Server) UpdateProviders(emb embedder.Provider, store vectordb.Store, rr *rerank.Client) {
	s.mu.Lock()
	oldEmb, oldStore, oldRR := s.embedder, s.store, s.reranker
	s.embedder, s.store, s.reranker = emb, store, rr
	s.mu.Unlock()

	if oldEmb != nil && oldEmb != emb {
		oldEmb.Close()
	}
	if oldStore != nil && oldStore != store {
		oldStore.Close()
	}
	if oldRR != nil && oldRR != rr {
		oldRR.Close()
	}
}

func (s *Server) getProviders() (embedder.Provider, vectordb.Store, *rerank.Client) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embedder, s.store, s.reranker
}

// loggingMiddleware logs and counts all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
