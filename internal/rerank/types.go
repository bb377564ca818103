// Package rerank implements the /rerank HTTP boundary: a client used by the
// retrieval service and a gateway service that delegates scoring to a
// pluggable Scorer.
package rerank

// Request is the body of POST /rerank.
type Request struct {
	Query            string   `json:"query"`
	Documents        []string `json:"documents"`
	TopK             int      `json:"top_k,omitempty"`
	ReturnEmbeddings bool     `json:"return_embeddings,omitempty"`
}

// Result scores one document, identified by its position in the request.
type Result struct {
	Index     int       `json:"index"`
	Score     float64   `json:"score"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Response is the body returned by POST /rerank.
type Response struct {
	Results []Result `json:"results"`
	Model   string   `json:"model"`
	Device  string   `json:"device"`
}
