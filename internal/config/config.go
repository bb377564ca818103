// Package config provides configuration loading and management for the symbol indexer.
// The YAML file is the base layer, environment variables override it, and the
// result supports hot reload via SIGHUP or file change.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the global application configuration.
// All fields are loaded from configs/config.yaml.
type Config struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	VectorDB  VectorDBConfig  `yaml:"vectordb"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Repos     ReposConfig     `yaml:"repos"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider name: ollama | openai | jina
	Provider string `yaml:"provider"`

	// Model name (varies by provider)
	Model string `yaml:"model"`

	// Provider endpoint URL
	Endpoint string `yaml:"endpoint"`

	// Vector dimensions (must match model output and the collection)
	Dimensions int `yaml:"dimensions"`

	// Batch size for bulk embedding requests
	BatchSize int `yaml:"batch_size"`

	// Request timeout
	Timeout string `yaml:"timeout"`

	// Environment variable name for API key (used by OpenAI, etc.)
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Instructions sent to instruction-aware embedders (jina)
	QueryInstruction   string `yaml:"query_instruction"`
	PassageInstruction string `yaml:"passage_instruction"`
}

// VectorDBConfig holds vector store settings.
type VectorDBConfig struct {
	// Provider name: milvus | qdrant
	Provider string `yaml:"provider"`

	// Store address as host:port
	Address string `yaml:"address"`

	// Database name (Milvus only)
	Database string `yaml:"database"`

	// Collection holding the symbols
	CollectionName string `yaml:"collection_name"`

	// Name of the vector field
	VectorField string `yaml:"vector_field"`

	// Similarity metric used for searches
	MetricType string `yaml:"metric_type"`

	// Extra search parameters, e.g. nprobe
	SearchParams map[string]any `yaml:"search_params"`

	// Drop and recreate the collection before ingesting
	Reset bool `yaml:"reset"`

	// Environment variable holding the store token
	TokenEnv string `yaml:"token_env,omitempty"`

	// Request timeout
	Timeout string `yaml:"timeout"`
}

// RerankConfig holds reranking settings.
type RerankConfig struct {
	// Rerank search results before returning them
	Enabled bool `yaml:"enabled"`

	// Scorer used by rerank-server: upstream | embedding
	Provider string `yaml:"provider"`

	// Rerank service endpoint (the /rerank boundary)
	Endpoint string `yaml:"endpoint"`

	// Upstream rerank API used by rerank-server's upstream scorer
	UpstreamEndpoint string `yaml:"upstream_endpoint"`

	// Model name reported by and forwarded to the upstream API
	Model string `yaml:"model"`

	// Environment variable name for the upstream API key
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Maximum candidates sent to the reranker
	MaxCandidates int `yaml:"max_candidates"`

	// Results kept after reranking
	TopK int `yaml:"top_k"`

	// Request timeout
	Timeout string `yaml:"timeout"`

	// Port rerank-server listens on
	Port int `yaml:"port"`
}

// ReposConfig holds repository discovery settings.
type ReposConfig struct {
	// Directory containing per-repository YAML configs
	ConfigDir string `yaml:"config_dir"`

	// Base path where repository sources are mounted
	SourceBasePath string `yaml:"source_base_path"`
}

// CacheConfig holds embedding cache settings.
type CacheConfig struct {
	// Directory for storing cache files
	Dir string `yaml:"dir"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port number to listen on
	Port int `yaml:"port"`

	// Upper bound for the limit of a search request
	MaxLimit int `yaml:"max_limit"`

	// Read timeout for incoming requests
	ReadTimeout string `yaml:"read_timeout"`

	// Write timeout for outgoing responses
	WriteTimeout string `yaml:"write_timeout"`

	// Graceful shutdown timeout
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level: debug | info | warn | error
	Level string `yaml:"level"`

	// Output format: json | console
	Format string `yaml:"format"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	// OTLP gRPC endpoint; tracing is disabled when empty
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Sampling ratio in [0, 1]
	SampleRate float64 `yaml:"sample_rate"`
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetTimeout parses and returns the embedding timeout duration.
func (e *EmbeddingConfig) GetTimeout() time.Duration {
	return parseDuration(e.Timeout, 30*time.Second)
}

// GetAPIKey returns the API key from environment variable.
func (e *EmbeddingConfig) GetAPIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// GetTimeout parses and returns the vector store timeout duration.
func (v *VectorDBConfig) GetTimeout() time.Duration {
	return parseDuration(v.Timeout, 30*time.Second)
}

// GetToken returns the store token from environment variable.
func (v *VectorDBConfig) GetToken() string {
	if v.TokenEnv == "" {
		return ""
	}
	return os.Getenv(v.TokenEnv)
}

// GetTimeout parses and returns the rerank timeout duration.
func (r *RerankConfig) GetTimeout() time.Duration {
	return parseDuration(r.Timeout, 6*time.Second)
}

// GetAPIKey returns the upstream rerank API key from environment variable.
func (r *RerankConfig) GetAPIKey() string {
	if r.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(r.APIKeyEnv)
}

// GetReadTimeout parses and returns the server read timeout.
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout parses and returns the server write timeout.
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 30*time.Second)
}

// GetShutdownTimeout parses and returns the graceful shutdown timeout.
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(s.ShutdownTimeout, 10*time.Second)
}

// Manager handles configuration loading and hot reload.
type Manager struct {
	configPath   string
	allowMissing bool
	config       *Config
	mu           sync.RWMutex
	onChange     []func(*Config)
}

// NewManager creates a new configuration manager.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		onChange:   make([]func(*Config), 0),
	}
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads and parses the configuration file, then applies
// environment overrides and defaults.
func (m *Manager) Load() error {
	var cfg Config

	data, err := os.ReadFile(m.configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && m.allowMissing:
		// defaults and environment only
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ApplyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Reload reloads the configuration and notifies listeners.
func (m *Manager) Reload() error {
	if err := m.Load(); err != nil {
		return err
	}

	cfg := m.Get()
	m.mu.RLock()
	listeners := append([]func(*Config){}, m.onChange...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(cfg)
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback to be called when configuration changes.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Embedding defaults
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "ollama"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = "http://127.0.0.1:11434"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Timeout == "" {
		cfg.Embedding.Timeout = "30s"
	}
	if cfg.Embedding.QueryInstruction == "" {
		cfg.Embedding.QueryInstruction = "retrieval.query"
	}
	if cfg.Embedding.PassageInstruction == "" {
		cfg.Embedding.PassageInstruction = "retrieval.passage"
	}

	// VectorDB defaults
	if cfg.VectorDB.Provider == "" {
		cfg.VectorDB.Provider = "milvus"
	}
	if cfg.VectorDB.Address == "" {
		cfg.VectorDB.Address = "127.0.0.1:19530"
	}
	if cfg.VectorDB.CollectionName == "" {
		cfg.VectorDB.CollectionName = "idea_symbols"
	}
	if cfg.VectorDB.VectorField == "" {
		cfg.VectorDB.VectorField = "embedding"
	}
	if cfg.VectorDB.MetricType == "" {
		cfg.VectorDB.MetricType = "IP"
	}
	cfg.VectorDB.MetricType = strings.ToUpper(cfg.VectorDB.MetricType)
	if cfg.VectorDB.SearchParams == nil {
		cfg.VectorDB.SearchParams = map[string]any{"nprobe": 16}
	}
	if cfg.VectorDB.TokenEnv == "" {
		cfg.VectorDB.TokenEnv = "MILVUS_TOKEN"
	}
	if cfg.VectorDB.Timeout == "" {
		cfg.VectorDB.Timeout = "30s"
	}

	// Rerank defaults
	if cfg.Rerank.Provider == "" {
		cfg.Rerank.Provider = "upstream"
	}
	if cfg.Rerank.Endpoint == "" {
		cfg.Rerank.Endpoint = "http://127.0.0.1:8081"
	}
	if cfg.Rerank.UpstreamEndpoint == "" {
		cfg.Rerank.UpstreamEndpoint = "https://api.jina.ai/v1/rerank"
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = "jina-reranker-v2-base-multilingual"
	}
	if cfg.Rerank.APIKeyEnv == "" {
		cfg.Rerank.APIKeyEnv = "RERANK_API_KEY"
	}
	if cfg.Rerank.MaxCandidates == 0 {
		cfg.Rerank.MaxCandidates = 40
	}
	if cfg.Rerank.TopK == 0 {
		cfg.Rerank.TopK = 10
	}
	if cfg.Rerank.Timeout == "" {
		cfg.Rerank.Timeout = "6s"
	}
	if cfg.Rerank.Port == 0 {
		cfg.Rerank.Port = 8081
	}

	// Repos defaults
	if cfg.Repos.ConfigDir == "" {
		cfg.Repos.ConfigDir = "configs/repos"
	}
	if cfg.Repos.SourceBasePath == "" {
		cfg.Repos.SourceBasePath = "."
	}

	// Cache defaults
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "data/embedding-cache"
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxLimit == 0 {
		cfg.Server.MaxLimit = 20
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "30s"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "10s"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Tracing defaults
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	validEmbeddingProviders := map[string]bool{
		"ollama": true,
		"openai": true,
		"jina":   true,
	}
	if !validEmbeddingProviders[cfg.Embedding.Provider] {
		return fmt.Errorf("invalid embedding provider: %s", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if cfg.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding batch_size must be positive")
	}

	validVectorDBProviders := map[string]bool{
		"milvus": true,
		"qdrant": true,
	}
	if !validVectorDBProviders[cfg.VectorDB.Provider] {
		return fmt.Errorf("invalid vectordb provider: %s", cfg.VectorDB.Provider)
	}
	validMetrics := map[string]bool{"IP": true, "L2": true, "COSINE": true}
	if !validMetrics[cfg.VectorDB.MetricType] {
		return fmt.Errorf("invalid vectordb metric_type: %s", cfg.VectorDB.MetricType)
	}

	validRerankProviders := map[string]bool{
		"upstream":  true,
		"embedding": true,
	}
	if !validRerankProviders[cfg.Rerank.Provider] {
		return fmt.Errorf("invalid rerank provider: %s", cfg.Rerank.Provider)
	}
	if cfg.Rerank.TopK > cfg.Rerank.MaxCandidates {
		return fmt.Errorf("rerank top_k must not exceed max_candidates")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if cfg.Rerank.Port < 1 || cfg.Rerank.Port > 65535 {
		return fmt.Errorf("rerank port must be between 1 and 65535")
	}

	return nil
}

// LoadFromEnv loads configuration from the path specified in CONFIG_PATH env var.
// Without CONFIG_PATH a missing configs/config.yaml is not an error; the
// configuration then comes from defaults and environment variables.
func LoadFromEnv() (*Manager, error) {
	configPath := os.Getenv("CONFIG_PATH")
	allowMissing := configPath == ""
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if !filepath.IsAbs(configPath) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		configPath = filepath.Join(wd, configPath)
	}

	manager := NewManager(configPath)
	manager.allowMissing = allowMissing
	if err := manager.Load(); err != nil {
		return nil, err
	}

	return manager, nil
}
