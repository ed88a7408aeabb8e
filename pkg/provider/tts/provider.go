// Package tts defines the narrow contract with the external synthesis
// service. One synthesis call turns an assistant reply into a complete PCM
// utterance; streaming chunked synthesis is not part of this contract.
package tts

import "context"

// Request carries the text and the full prosody configuration for one
// synthesis call. The string fields use the enumerated values validated at
// session creation (voice, tone, pace, energy).
type Request struct {
	Text          string `json:"text"`
	Voice         string `json:"voice"`
	Tone          string `json:"tone"`
	Energy        string `json:"energy"`
	Pace          string `json:"pace"`
	Prosody       bool   `json:"prosody"`
	EnableBreaths bool   `json:"enable_breaths"`
	EnableSSML    bool   `json:"enable_ssml"`
}

// Synthesizer renders text to a PCM byte stream.
type Synthesizer interface {
	// Synthesize returns the full synthesized utterance as 16-bit signed
	// little-endian PCM. The call must respect ctx cancellation and
	// deadlines; a cancelled call returns ctx.Err().
	Synthesize(ctx context.Context, req Request) ([]byte, error)

	// Ping probes the service for reachability.
	Ping(ctx context.Context) error
}
