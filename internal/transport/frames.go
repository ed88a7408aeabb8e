package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types exchanged as JSON text frames.
const (
	// Server → client.
	TypeReady       = "ready"
	TypeStateChange = "state_change"
	TypeThinking    = "llm_thinking"
	TypeStopTTS     = "stop-tts"
	TypeAnswer      = "answer"
	TypeError       = "error"

	// Client → server.
	TypeInterrupt      = "interrupt"
	TypeOffer          = "offer"
	TypeICECandidate   = "ice-candidate"
	TypeStartRecording = "start-recording"
	TypeStopRecording  = "stop-recording"
	TypeEnd            = "end"

	// Binary frame header type.
	TypeAudio = "audio"
)

// ControlMessage is the envelope for every JSON control frame. Only the
// fields relevant to a given Type are populated.
type ControlMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	State     string          `json:"state,omitempty"`
	From      string          `json:"from,omitempty"`
	Event     string          `json:"event,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// AudioHeader describes the PCM payload of an outbound binary frame.
// Timestamp is unix milliseconds.
type AudioHeader struct {
	Type      string `json:"type"`
	IsFinal   bool   `json:"is_final"`
	Timestamp int64  `json:"timestamp"`
}

var errNoHeader = errors.New("transport: binary frame has no header line")

// EncodeAudioFrame packs an audio header and raw PCM into one binary frame:
// a single JSON header line, a newline, then the payload bytes.
func EncodeAudioFrame(h AudioHeader, pcm []byte) ([]byte, error) {
	h.Type = TypeAudio
	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal audio header: %w", err)
	}
	out := make([]byte, 0, len(header)+1+len(pcm))
	out = append(out, header...)
	out = append(out, '\n')
	out = append(out, pcm...)
	return out, nil
}

// DecodeAudioFrame splits a binary frame into its header and PCM payload.
func DecodeAudioFrame(frame []byte) (AudioHeader, []byte, error) {
	idx := bytes.IndexByte(frame, '\n')
	if idx < 0 {
		return AudioHeader{}, nil, errNoHeader
	}
	var h AudioHeader
	if err := json.Unmarshal(frame[:idx], &h); err != nil {
		return AudioHeader{}, nil, fmt.Errorf("transport: unmarshal audio header: %w", err)
	}
	return h, frame[idx+1:], nil
}
