// Package llm defines the external LLM dependency contract: insight
// generation and embedding, treated as an opaque collaborator reached as
// a thin, env-configured client over plain HTTP/JSON (see DESIGN.md for
// why this shape was chosen over a generated RPC client).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the LLM dependency contract every consolidation and scoring
// caller depends on.
type Client interface {
	// Generate produces text from prompt. Callers performing insight
	// extraction expect the text to be a JSON document; parse failures are
	// the caller's responsibility to handle as empty extraction.
	Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)

	// Embed returns a fixed-dimension embedding vector for text.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPClient calls a remote embedding/generation service over JSON: a base
// URL and bearer token loaded from the environment, a pooled *http.Client
// with a sane timeout.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient builds a client against baseURL, authenticating requests
// with apiKey (sent as a bearer token) when non-empty.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	var resp generateResponse
	if err := c.post(ctx, "/v1/generate", generateRequest{Prompt: prompt, Temperature: temperature, MaxTokens: maxTokens}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float64 `json:"vector"`
}

func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float64, error) {
	var resp embedResponse
	if err := c.post(ctx, "/v1/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm: unexpected status %d: %s", resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llm: decode response: %w", err)
	}
	return nil
}
