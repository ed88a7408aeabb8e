// Package rest provides an HTTP-backed [tts.Synthesizer]. The synthesis
// service accepts a JSON body at POST /synthesize and returns the raw audio
// bytes as the response body.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/voluble-ai/voluble/pkg/provider/tts"
)

// Compile-time assertion that Client implements tts.Synthesizer.
var _ tts.Synthesizer = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements [tts.Synthesizer] against a REST synthesis endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the synthesis service at baseURL
// (e.g., "http://synthesize:9003"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("tts rest: baseURL must not be empty")
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

// Synthesize implements [tts.Synthesizer].
func (c *Client) Synthesize(ctx context.Context, reqBody tts.Request) ([]byte, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("tts rest: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts rest: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tts rest: server returned HTTP %d", resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts rest: read audio body: %w", err)
	}
	return pcm, nil
}

// Ping implements [tts.Synthesizer]. Any HTTP response means reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("tts rest: create probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tts rest: probe: %w", err)
	}
	resp.Body.Close()
	return nil
}
