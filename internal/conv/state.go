// Package conv implements the per-session conversation engine: the nine-state
// finite state machine, the session entity with its buffers and metrics, and
// the registry that owns session lifecycles.
//
// Each session is an actor. A single goroutine applies events in arrival
// order and is the only writer of session state; the transport, the VAD, the
// turn driver, timers, and the control surface all post events rather than
// mutating anything. Reads go through snapshot accessors guarded by a
// read-write mutex, so inspection never blocks the event loop.
package conv

import "time"

// State is one of the nine conversation states a session can be in.
type State string

const (
	StateIdle         State = "IDLE"
	StateListening    State = "LISTENING"
	StateTranscribing State = "TRANSCRIBING"
	StateInterpreting State = "INTERPRETING"
	StateAnswering    State = "ANSWERING"
	StateSpeaking     State = "SPEAKING"
	StateInterrupted  State = "INTERRUPTED"
	StateError        State = "ERROR"
	StateEnded        State = "ENDED"
)

// legalTransitions is the full transition table. Only listed pairs are
// permitted; any other attempt is a no-op that is logged and counted but
// never fails the session.
var legalTransitions = map[State][]State{
	StateIdle:         {StateListening, StateEnded},
	StateListening:    {StateTranscribing, StateIdle, StateInterrupted, StateEnded},
	StateTranscribing: {StateInterpreting, StateListening, StateInterrupted, StateError, StateEnded},
	StateInterpreting: {StateAnswering, StateInterrupted, StateError, StateEnded},
	StateAnswering:    {StateSpeaking, StateInterrupted, StateError, StateEnded},
	StateSpeaking:     {StateListening, StateIdle, StateInterrupted, StateError, StateEnded},
	StateInterrupted:  {StateListening, StateIdle, StateEnded},
	StateError:        {StateIdle, StateListening, StateEnded},
}

// CanTransition reports whether the from→to pair is in the legal table.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is one of the nine conversation states.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateListening, StateTranscribing, StateInterpreting,
		StateAnswering, StateSpeaking, StateInterrupted, StateError, StateEnded:
		return true
	}
	return false
}

// Transition is the immutable record of one state change.
type Transition struct {
	From     State          `json:"from"`
	To       State          `json:"to"`
	Event    string         `json:"event"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"timestamp"`
}

// ErrorKind classifies a turn-local failure reported by the turn driver.
type ErrorKind string

const (
	ErrTranscriptionFailed ErrorKind = "transcription_failed"
	ErrReasoningFailed     ErrorKind = "reasoning_failed"
	ErrSynthesisFailed     ErrorKind = "synthesis_failed"
)
