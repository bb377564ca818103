package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "embedding:\n  provider: jina\n  dimensions: 1024\n")

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.Get()

	if cfg.Embedding.Provider != "jina" || cfg.Embedding.Dimensions != 1024 {
		t.Errorf("file values not kept: %+v", cfg.Embedding)
	}
	if cfg.VectorDB.Provider != "milvus" || cfg.VectorDB.Address != "127.0.0.1:19530" {
		t.Errorf("unexpected vectordb defaults: %+v", cfg.VectorDB)
	}
	if cfg.VectorDB.MetricType != "IP" {
		t.Errorf("unexpected metric %q", cfg.VectorDB.MetricType)
	}
	if cfg.VectorDB.SearchParams["nprobe"] != 16 {
		t.Errorf("expected default nprobe 16, got %v", cfg.VectorDB.SearchParams["nprobe"])
	}
	if cfg.Rerank.MaxCandidates != 40 || cfg.Rerank.TopK != 10 {
		t.Errorf("unexpected rerank defaults: %+v", cfg.Rerank)
	}
	if cfg.Rerank.GetTimeout() != 6*time.Second {
		t.Errorf("unexpected rerank timeout %v", cfg.Rerank.GetTimeout())
	}
	if cfg.Server.MaxLimit != 20 {
		t.Errorf("unexpected max limit %d", cfg.Server.MaxLimit)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "embedding provider", content: "embedding:\n  provider: word2vec\n", wantErr: "embedding provider"},
		{name: "vectordb provider", content: "vectordb:\n  provider: weaviate\n", wantErr: "vectordb provider"},
		{name: "metric", content: "vectordb:\n  metric_type: hamming\n", wantErr: "metric_type"},
		{name: "rerank top_k", content: "rerank:\n  max_candidates: 5\n  top_k: 8\n", wantErr: "top_k"},
		{name: "yaml", content: "embedding: [", wantErr: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.content)
			err := NewManager(path).Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MILVUS_ADDRESS", "milvus:19531")
	t.Setenv("MILVUS_COLLECTION_NAME", "fallback_name")
	t.Setenv("MILVUS_ANNS_FIELD", "vec")
	t.Setenv("MILVUS_PARAM_NPROBE", "32")
	t.Setenv("MILVUS_RESET", "true")
	t.Setenv("EMBED_MODEL", "jina-embeddings-v3")
	t.Setenv("RERANK_ENABLED", "1")
	t.Setenv("RERANK_TIMEOUT_MS", "2500")

	path := writeFile(t, t.TempDir(), "config.yaml", "vectordb:\n  address: from-file:19530\n")
	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.Get()

	if cfg.VectorDB.Address != "milvus:19531" {
		t.Errorf("env should override file, got %q", cfg.VectorDB.Address)
	}
	if cfg.VectorDB.CollectionName != "fallback_name" {
		t.Errorf("secondary env name not honoured, got %q", cfg.VectorDB.CollectionName)
	}
	if cfg.VectorDB.VectorField != "vec" {
		t.Errorf("unexpected vector field %q", cfg.VectorDB.VectorField)
	}
	if cfg.VectorDB.SearchParams["nprobe"] != 32 {
		t.Errorf("unexpected nprobe %v", cfg.VectorDB.SearchParams["nprobe"])
	}
	if !cfg.VectorDB.Reset {
		t.Error("expected reset from env")
	}
	if cfg.Embedding.Model != "jina-embeddings-v3" {
		t.Errorf("unexpected model %q", cfg.Embedding.Model)
	}
	if !cfg.Rerank.Enabled {
		t.Error("expected rerank enabled from env")
	}
	if cfg.Rerank.GetTimeout() != 2500*time.Millisecond {
		t.Errorf("unexpected rerank timeout %v", cfg.Rerank.GetTimeout())
	}
}

func TestEnvPrecedence(t *testing.T) {
	t.Setenv("MILVUS_COLLECTION", "primary")
	t.Setenv("MILVUS_COLLECTION_NAME", "secondary")

	var cfg Config
	ApplyEnv(&cfg)
	if cfg.VectorDB.CollectionName != "primary" {
		t.Errorf("first bound variable should win, got %q", cfg.VectorDB.CollectionName)
	}
}

func TestOllamaHostWinsOverEmbeddingHost(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "http://ollama:11434")
	t.Setenv("EMBEDDING_HOST", "http://embedder:8080")

	var cfg Config
	ApplyEnv(&cfg)
	if cfg.Embedding.Endpoint != "http://ollama:11434" {
		t.Errorf("OLLAMA_HOST should take precedence, got %q", cfg.Embedding.Endpoint)
	}
}

func TestReloadNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "server:\n  port: 9000\n")

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var got int
	m.OnChange(func(cfg *Config) { got = cfg.Server.Port })

	writeFile(t, dir, "config.yaml", "server:\n  port: 9001\n")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got != 9001 {
		t.Errorf("listener saw port %d, want 9001", got)
	}
}

func TestLoadFromEnvWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	os.Chdir(t.TempDir())

	m, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("missing default config should fall back to defaults: %v", err)
	}
	if m.Get().VectorDB.CollectionName != "idea_symbols" {
		t.Errorf("unexpected collection %q", m.Get().VectorDB.CollectionName)
	}

	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Error("explicit CONFIG_PATH must exist")
	}
}
