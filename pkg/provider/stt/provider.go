// Package stt defines the narrow contract Voluble has with its external
// transcription service. The service is an opaque request/response endpoint:
// the orchestrator uploads a complete utterance and receives text back.
//
// Implementations must be safe for concurrent use; a single client is shared
// across all sessions.
package stt

import "context"

// Result is the transcription of one utterance.
type Result struct {
	// Text is the transcribed text. May be empty or whitespace-only when the
	// service heard nothing intelligible; callers decide how to treat that.
	Text string `json:"text"`

	// Language is the detected BCP-47 language code, when the service
	// reports one.
	Language string `json:"language,omitempty"`
}

// Transcriber converts a buffered PCM utterance into text.
type Transcriber interface {
	// Transcribe uploads pcm (16-bit signed little-endian, 16 kHz, mono) and
	// returns the transcription. The call must respect ctx cancellation and
	// deadlines; a cancelled call returns ctx.Err().
	Transcribe(ctx context.Context, pcm []byte) (Result, error)

	// Ping probes the service for reachability. Any well-formed HTTP response
	// counts as reachable; transport errors and timeouts do not.
	Ping(ctx context.Context) error
}
