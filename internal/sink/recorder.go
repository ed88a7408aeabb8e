package sink

import (
	"context"

	"github.com/voluble-ai/voluble/internal/conv"
)

// Compile-time assertion that Recorder implements conv.Observer.
var _ conv.Observer = (*Recorder)(nil)

// Recorder adapts a [Sink] to the session engine's observer callbacks. Wrap
// the sink in [Async] first so the callbacks never block a session loop.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a Recorder over the given sink.
func NewRecorder(s Sink) *Recorder {
	return &Recorder{sink: s}
}

// SessionChanged implements [conv.Observer].
func (r *Recorder) SessionChanged(snap conv.Snapshot) {
	_ = r.sink.UpsertSession(context.Background(), snap)
}

// TurnCompleted implements [conv.Observer].
func (r *Recorder) TurnCompleted(sessionID string, turn conv.Turn) {
	_ = r.sink.WriteTurn(context.Background(), sessionID, turn)
}

// TransitionRecorded implements [conv.Observer].
func (r *Recorder) TransitionRecorded(sessionID string, tr conv.Transition) {
	_ = r.sink.WriteTransition(context.Background(), sessionID, tr)
}
