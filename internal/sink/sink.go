// Package sink persists conversation state to PostgreSQL on a best-effort
// basis. Writes are queued and applied asynchronously; a full queue or a
// down database loses history but never stalls or fails a live conversation.
package sink

import (
	"context"

	"github.com/voluble-ai/voluble/internal/conv"
)

// Sink is the durable store for session rows, completed turns, and the
// transition log.
type Sink interface {
	UpsertSession(ctx context.Context, snap conv.Snapshot) error
	WriteTurn(ctx context.Context, sessionID string, turn conv.Turn) error
	WriteTransition(ctx context.Context, sessionID string, tr conv.Transition) error
	Close()
}

// Compile-time assertion that Noop implements Sink.
var _ Sink = Noop{}

// Noop discards all writes. Used when no database is configured.
type Noop struct{}

func (Noop) UpsertSession(context.Context, conv.Snapshot) error { return nil }
func (Noop) WriteTurn(context.Context, string, conv.Turn) error { return nil }
func (Noop) WriteTransition(context.Context, string, conv.Transition) error { return nil }
func (Noop) Close() {}
