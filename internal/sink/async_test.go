package sink_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voluble-ai/voluble/internal/conv"
	"github.com/voluble-ai/voluble/internal/sink"
)

// fakeSink records writes and can be made slow or failing.
type fakeSink struct {
	mu          sync.Mutex
	sessions    []conv.Snapshot
	turns       []conv.Turn
	transitions []conv.Transition
	err         error
	delay       time.Duration
	closed      bool
}

func (f *fakeSink) UpsertSession(_ context.Context, snap conv.Snapshot) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, snap)
	return f.err
}

func (f *fakeSink) WriteTurn(_ context.Context, _ string, turn conv.Turn) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return f.err
}

func (f *fakeSink) WriteTransition(_ context.Context, _ string, tr conv.Transition) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, tr)
	return f.err
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), len(f.turns), len(f.transitions)
}

func TestAsync_AppliesWritesInOrder(t *testing.T) {
	t.Parallel()

	inner := &fakeSink{}
	a := sink.NewAsync(inner, 16, nil)

	ctx := context.Background()
	a.UpsertSession(ctx, conv.Snapshot{ID: "s1"})
	a.WriteTransition(ctx, "s1", conv.Transition{From: conv.StateIdle, To: conv.StateListening})
	a.WriteTurn(ctx, "s1", conv.Turn{ID: "t1"})
	a.Close()

	sessions, turns, transitions := inner.counts()
	if sessions != 1 || turns != 1 || transitions != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", sessions, turns, transitions)
	}
	if !inner.closed {
		t.Error("inner sink not closed")
	}
}

func TestAsync_NeverPropagatesErrors(t *testing.T) {
	t.Parallel()

	inner := &fakeSink{err: errors.New("db down")}
	a := sink.NewAsync(inner, 16, nil)
	defer a.Close()

	if err := a.UpsertSession(context.Background(), conv.Snapshot{ID: "s1"}); err != nil {
		t.Errorf("UpsertSession returned %v, want nil", err)
	}
	if err := a.WriteTurn(context.Background(), "s1", conv.Turn{ID: "t1"}); err != nil {
		t.Errorf("WriteTurn returned %v, want nil", err)
	}
}

func TestAsync_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	inner := &fakeSink{delay: 50 * time.Millisecond}
	a := sink.NewAsync(inner, 1, nil)

	// One write in flight, one queued, the rest dropped without blocking.
	start := time.Now()
	for range 10 {
		a.WriteTurn(context.Background(), "s1", conv.Turn{ID: "t"})
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("enqueue blocked for %v", elapsed)
	}

	a.Close()
	_, turns, _ := inner.counts()
	if turns >= 10 {
		t.Errorf("turns = %d, want fewer than 10 after drops", turns)
	}
}

func TestAsync_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a := sink.NewAsync(&fakeSink{}, 4, nil)
	a.Close()
	a.Close()
}
