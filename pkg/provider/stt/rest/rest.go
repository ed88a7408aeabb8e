// Package rest provides an HTTP-backed [stt.Transcriber]. The transcription
// service accepts a multipart upload of a WAV-wrapped utterance at
// POST /transcribe and returns {"text": ..., "language": ...}.
package rest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/voluble-ai/voluble/pkg/audio"
	"github.com/voluble-ai/voluble/pkg/provider/stt"
)

// Compile-time assertion that Client implements stt.Transcriber.
var _ stt.Transcriber = (*Client)(nil)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests. The default
// client has no timeout; callers bound each call through ctx.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSampleRate sets the sample rate written into the WAV header of each
// upload. Defaults to [audio.SampleRate].
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// Client implements [stt.Transcriber] against a REST transcription endpoint.
type Client struct {
	baseURL    string
	sampleRate int
	httpClient *http.Client
}

// New creates a Client for the transcription service at baseURL
// (e.g., "http://transcribe:9001"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("stt rest: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		sampleRate: audio.SampleRate,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe implements [stt.Transcriber]. It wraps pcm in a WAV container,
// uploads it as multipart/form-data, and decodes the JSON response.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (stt.Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, c.sampleRate)); err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stt.Result{}, fmt.Errorf("stt rest: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: read response body: %w", err)
	}

	var res stt.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return stt.Result{}, fmt.Errorf("stt rest: parse JSON response: %w", err)
	}
	return res, nil
}

// Ping implements [stt.Transcriber]. Any HTTP response means reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("stt rest: create probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stt rest: probe: %w", err)
	}
	resp.Body.Close()
	return nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM in a RIFF/WAV container
// (mono). The returned slice is suitable for direct multipart upload.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
