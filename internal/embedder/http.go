package embedder

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

func newHTTPClient(timeoutSeconds int) *http.Client {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body as JSON to url and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return doJSON(ctx, client, http.MethodPost, url, headers, bytes.NewReader(jsonBody), out)
}

// getJSON fetches url and decodes a 200 response into out.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	return doJSON(ctx, client, http.MethodGet, url, nil, nil, out)
}

func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// checkVectors verifies that a provider returned one vector per input and,
// when dimensions is known, that every vector has that length.
func checkVectors(vectors [][]float32, inputs, dimensions int) error {
	if len(vectors) != inputs {
		return fmt.Errorf("expected %d embeddings, got %d", inputs, len(vectors))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("empty embedding returned for input %d", i)
		}
		if dimensions > 0 && len(v) != dimensions {
			return fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(v), dimensions)
		}
	}
	return nil
}

func trimSlash(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}
