package conv

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Voice, tone, pace, and energy values accepted at session creation.
var (
	ValidVoices   = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}
	ValidTones    = []string{"friendly", "professional", "formal", "casual"}
	ValidPaces    = []string{"slow", "normal", "fast"}
	ValidEnergies = []string{"low", "medium", "high"}
)

// Defaults applied when a creation request omits a field.
const (
	DefaultVoice          = "alloy"
	DefaultTone           = "professional"
	DefaultPace           = "normal"
	DefaultEnergy         = "medium"
	DefaultVADSensitivity = 0.5

	// DefaultMaxBufferBytes caps the per-session audio buffer at roughly
	// thirty seconds of 16 kHz mono 16-bit PCM. Oldest frames are evicted
	// first when the cap is hit.
	DefaultMaxBufferBytes = 960_000
)

// SessionConfig is the immutable per-session configuration fixed at creation.
type SessionConfig struct {
	Voice           string  `json:"voice"`
	Tone            string  `json:"tone"`
	Pace            string  `json:"pace"`
	Energy          string  `json:"energy"`
	Prosody         bool    `json:"prosody"`
	EnableBreaths   bool    `json:"enable_breaths"`
	EnableSSML      bool    `json:"enable_ssml"`
	VADSensitivity  float64 `json:"vad_sensitivity"`
	VADThreshold    float64 `json:"vad_threshold"`
	SilenceWindowMS int64   `json:"silence_window_ms"`
}

// CreateParams carries the caller-supplied fields of a session creation
// request. Pointer fields distinguish "omitted" from a zero value. Tenant
// and user ids are opaque and optional; the engine never interprets them.
type CreateParams struct {
	TenantID string
	UserID   string

	Voice  string
	Tone   string
	Pace   string
	Energy string

	Prosody        *bool
	EnableBreaths  *bool
	EnableSSML     *bool
	VADSensitivity *float64
}

// Validate checks every provided enum and range field, joining all failures
// so the caller sees the complete list at once. Omitted fields are fine; they
// get defaults later.
func (p CreateParams) Validate() error {
	var errs []error
	if p.Voice != "" && !slices.Contains(ValidVoices, p.Voice) {
		errs = append(errs, fmt.Errorf("voice %q is not one of %v", p.Voice, ValidVoices))
	}
	if p.Tone != "" && !slices.Contains(ValidTones, p.Tone) {
		errs = append(errs, fmt.Errorf("tone %q is not one of %v", p.Tone, ValidTones))
	}
	if p.Pace != "" && !slices.Contains(ValidPaces, p.Pace) {
		errs = append(errs, fmt.Errorf("pace %q is not one of %v", p.Pace, ValidPaces))
	}
	if p.Energy != "" && !slices.Contains(ValidEnergies, p.Energy) {
		errs = append(errs, fmt.Errorf("energy %q is not one of %v", p.Energy, ValidEnergies))
	}
	if p.VADSensitivity != nil && (*p.VADSensitivity < 0 || *p.VADSensitivity > 1) {
		errs = append(errs, fmt.Errorf("vad_sensitivity %v is outside [0, 1]", *p.VADSensitivity))
	}
	return errors.Join(errs...)
}

// Turn is one completed user/assistant exchange.
type Turn struct {
	ID              string    `json:"turn_id"`
	UserText        string    `json:"user_text"`
	AssistantText   string    `json:"assistant_text"`
	Citations       []string  `json:"citations,omitempty"`
	AudioDurationMS int64     `json:"audio_duration_ms"`
	LatencyMS       int64     `json:"latency_ms"`
	CompletedAt     time.Time `json:"completed_at"`
}

// SessionMetrics is the per-session counter block, updated only by the
// session's event loop.
type SessionMetrics struct {
	TotalTurns       int64 `json:"total_turns"`
	TotalAudioMS     int64 `json:"total_audio_ms"`
	AvgTurnLatencyMS int64 `json:"avg_turn_latency_ms"`
	InterruptCount   int64 `json:"interrupt_count"`
	ErrorCount       int64 `json:"error_count"`
	DroppedFrames    int64 `json:"dropped_frames"`
	BadFrames        int64 `json:"bad_frames"`
}

// Snapshot is a consistent read-only view of a session, safe to use after
// the session has moved on.
type Snapshot struct {
	ID           string         `json:"session_id"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	State        State          `json:"state"`
	Config       SessionConfig  `json:"config"`
	Metrics      SessionMetrics `json:"metrics"`
	Transcript   string         `json:"transcript,omitempty"`
	Response     string         `json:"response,omitempty"`
	Citations    []string       `json:"citations,omitempty"`
	Connected    bool           `json:"connected"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// Timing groups the internal delays of the state machine. Production code
// uses [DefaultTiming]; tests shrink these to keep runs fast.
type Timing struct {
	// ErrorRecovery is how long a session stays in the error state before
	// automatically returning to idle.
	ErrorRecovery time.Duration

	// InterruptDwell is how long a session stays interrupted before resuming
	// listening, giving the client time to flush its playback queue.
	InterruptDwell time.Duration
}

// DefaultTiming returns the production timing values.
func DefaultTiming() Timing {
	return Timing{
		ErrorRecovery:  2 * time.Second,
		InterruptDwell: 200 * time.Millisecond,
	}
}

// deriveThreshold maps the user-facing sensitivity knob onto a detector
// threshold. Sensitivity 0.5 yields the base threshold unchanged; higher
// sensitivity lowers the threshold (trips on quieter audio), lower raises it.
// The result is clamped to [0.001, 1].
func deriveThreshold(base, sensitivity float64) float64 {
	t := base * 2 * (1 - sensitivity)
	return min(max(t, 0.001), 1)
}
