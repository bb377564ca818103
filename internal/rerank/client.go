package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls a /rerank service.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for the service at endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// wireResult accepts both the gateway's "score" and the upstream
// "relevance_score" spelling.
type wireResult struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

// Rerank scores documents against query and returns the results in the
// order the service ranked them.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topK int) ([]Result, error) {
	body, err := json.Marshal(Request{Query: query, Documents: documents, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var payload struct {
		Results []wireResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	results := make([]Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank service returned out-of-range index %d", r.Index)
		}
		var score float64
		switch {
		case r.Score != nil:
			score = *r.Score
		case r.RelevanceScore != nil:
			score = *r.RelevanceScore
		default:
			return nil, fmt.Errorf("rerank result %d has no score", r.Index)
		}
		results = append(results, Result{Index: r.Index, Score: score})
	}
	return results, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
