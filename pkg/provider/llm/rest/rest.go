// Package rest provides an HTTP-backed [llm.Reasoner]. The reasoning service
// accepts a JSON body at POST /reason and returns {"response": ...,
// "citations": [...]}.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/voluble-ai/voluble/pkg/provider/llm"
)

// Compile-time assertion that Client implements llm.Reasoner.
var _ llm.Reasoner = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements [llm.Reasoner] against a REST reasoning endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the reasoning service at baseURL
// (e.g., "http://reason:9002"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("llm rest: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Reason implements [llm.Reasoner].
func (c *Client) Reason(ctx context.Context, reqBody llm.Request) (llm.Result, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return llm.Result{}, fmt.Errorf("llm rest: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reason", bytes.NewReader(payload))
	if err != nil {
		return llm.Result{}, fmt.Errorf("llm rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.Result{}, fmt.Errorf("llm rest: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return llm.Result{}, fmt.Errorf("llm rest: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, fmt.Errorf("llm rest: read response body: %w", err)
	}

	var res llm.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return llm.Result{}, fmt.Errorf("llm rest: parse JSON response: %w", err)
	}
	return res, nil
}

// Ping implements [llm.Reasoner]. Any HTTP response means reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("llm rest: create probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm rest: probe: %w", err)
	}
	resp.Body.Close()
	return nil
}
