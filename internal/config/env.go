package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// envBindings maps configuration keys to the environment variables that
// override them. When several variables are listed the first one set wins.
var envBindings = map[string][]string{
	"vectordb.provider":        {"VECTORDB_PROVIDER"},
	"vectordb.address":         {"MILVUS_ADDRESS"},
	"vectordb.database":        {"MILVUS_DATABASE"},
	"vectordb.collection_name": {"MILVUS_COLLECTION", "MILVUS_COLLECTION_NAME"},
	"vectordb.vector_field":    {"MILVUS_VECTOR_FIELD", "MILVUS_ANNS_FIELD"},
	"vectordb.metric_type":     {"MILVUS_METRIC"},
	"vectordb.nprobe":          {"MILVUS_PARAM_NPROBE"},
	"vectordb.reset":           {"MILVUS_RESET"},
	"embedding.provider":       {"EMBEDDING_PROVIDER"},
	"embedding.model":          {"IEC_EMBED_MODEL", "EMBED_MODEL"},
	"embedding.endpoint":       {"OLLAMA_HOST", "EMBEDDING_HOST"},
	"embedding.dimensions":     {"EMBEDDING_DIMENSIONS"},
	"embedding.query_task":     {"EMBEDDING_TASK_QUERY"},
	"embedding.passage_task":   {"EMBEDDING_TASK_PASSAGE"},
	"rerank.enabled":           {"RERANK_ENABLED"},
	"rerank.provider":          {"RERANK_PROVIDER"},
	"rerank.endpoint":          {"RERANK_HOST"},
	"rerank.model":             {"RERANK_MODEL"},
	"rerank.max_candidates":    {"RERANK_MAX_CANDIDATES"},
	"rerank.top_k":             {"RERANK_TOP_K"},
	"rerank.timeout_ms":        {"RERANK_TIMEOUT_MS"},
	"repos.source_base_path":   {"BRIDGE_PROJECT_ROOT"},
	"logging.level":            {"LOG_LEVEL"},
	"logging.format":           {"LOG_FORMAT"},
	"tracing.otlp_endpoint":    {"OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// ApplyEnv overrides cfg with any bound environment variables that are set.
func ApplyEnv(cfg *Config) {
	v := viper.New()
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		_ = v.BindEnv(args...)
	}

	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	setString("vectordb.provider", &cfg.VectorDB.Provider)
	setString("vectordb.address", &cfg.VectorDB.Address)
	setString("vectordb.database", &cfg.VectorDB.Database)
	setString("vectordb.collection_name", &cfg.VectorDB.CollectionName)
	setString("vectordb.vector_field", &cfg.VectorDB.VectorField)
	setString("vectordb.metric_type", &cfg.VectorDB.MetricType)
	setBool("vectordb.reset", &cfg.VectorDB.Reset)
	if v.IsSet("vectordb.nprobe") {
		if cfg.VectorDB.SearchParams == nil {
			cfg.VectorDB.SearchParams = map[string]any{}
		}
		cfg.VectorDB.SearchParams["nprobe"] = v.GetInt("vectordb.nprobe")
	}

	setString("embedding.provider", &cfg.Embedding.Provider)
	setString("embedding.model", &cfg.Embedding.Model)
	setString("embedding.endpoint", &cfg.Embedding.Endpoint)
	setInt("embedding.dimensions", &cfg.Embedding.Dimensions)
	setString("embedding.query_task", &cfg.Embedding.QueryInstruction)
	setString("embedding.passage_task", &cfg.Embedding.PassageInstruction)

	setBool("rerank.enabled", &cfg.Rerank.Enabled)
	setString("rerank.provider", &cfg.Rerank.Provider)
	setString("rerank.endpoint", &cfg.Rerank.Endpoint)
	setString("rerank.model", &cfg.Rerank.Model)
	setInt("rerank.max_candidates", &cfg.Rerank.MaxCandidates)
	setInt("rerank.top_k", &cfg.Rerank.TopK)
	if v.IsSet("rerank.timeout_ms") {
		cfg.Rerank.Timeout = fmt.Sprintf("%dms", v.GetInt("rerank.timeout_ms"))
	}

	setString("repos.source_base_path", &cfg.Repos.SourceBasePath)
	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
	setString("tracing.otlp_endpoint", &cfg.Tracing.OTLPEndpoint)
}
