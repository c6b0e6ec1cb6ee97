// Package analyzer is the HTTP client for the external analysis engine.
// The engine is an opaque collaborator: a payload goes in, a pattern result
// comes back, and everything else about it lives outside this service.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewClient points at the engine's base URL, e.g. "http://localhost:11434".
// The per-call context carries the timeout; the client itself sets none.
func NewClient(baseURL, model string) *Client {
	return &Client{baseURL: baseURL, model: model, client: &http.Client{}}
}

type analyzeRequest struct {
	Model        string          `json:"model"`
	Conversation json.RawMessage `json:"conversation"`
}

// Analyze posts the conversation payload to the engine and returns the raw
// result body.
func (c *Client) Analyze(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(analyzeRequest{Model: c.model, Conversation: payload})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis engine: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("analysis engine status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
