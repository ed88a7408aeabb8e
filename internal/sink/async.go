package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voluble-ai/voluble/internal/conv"
)

// Compile-time assertion that Async implements Sink.
var _ Sink = (*Async)(nil)

const (
	// defaultQueueSize bounds the number of pending writes before new ones
	// are dropped.
	defaultQueueSize = 1024

	// writeTimeout bounds each individual database write.
	writeTimeout = 5 * time.Second
)

// Async decouples callers from database latency. Writes are enqueued and
// applied by a single background goroutine; when the queue is full the write
// is dropped and logged. The wrapped sink's errors are logged, never
// propagated.
type Async struct {
	inner Sink
	log   *slog.Logger

	jobs chan func(context.Context)
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAsync wraps inner with an asynchronous write queue. queueSize <= 0 uses
// the default.
func NewAsync(inner Sink, queueSize int, log *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{
		inner: inner,
		log:   log,
		jobs:  make(chan func(context.Context), queueSize),
	}
	a.wg.Add(1)
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer a.wg.Done()
	for job := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		job(ctx)
		cancel()
	}
}

// enqueue queues one write, dropping it when the queue is full or closed.
func (a *Async) enqueue(kind string, job func(context.Context)) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	select {
	case a.jobs <- job:
	default:
		a.log.Warn("persistence queue full, dropping write", "kind", kind)
	}
	a.mu.Unlock()
}

// UpsertSession implements [Sink]. Always returns nil; failures are logged.
func (a *Async) UpsertSession(_ context.Context, snap conv.Snapshot) error {
	a.enqueue("session", func(ctx context.Context) {
		if err := a.inner.UpsertSession(ctx, snap); err != nil {
			a.log.Warn("session upsert failed", "session_id", snap.ID, "error", err)
		}
	})
	return nil
}

// WriteTurn implements [Sink]. Always returns nil; failures are logged.
func (a *Async) WriteTurn(_ context.Context, sessionID string, turn conv.Turn) error {
	a.enqueue("turn", func(ctx context.Context) {
		if err := a.inner.WriteTurn(ctx, sessionID, turn); err != nil {
			a.log.Warn("turn write failed", "session_id", sessionID, "turn_id", turn.ID, "error", err)
		}
	})
	return nil
}

// WriteTransition implements [Sink]. Always returns nil; failures are logged.
func (a *Async) WriteTransition(_ context.Context, sessionID string, tr conv.Transition) error {
	a.enqueue("transition", func(ctx context.Context) {
		if err := a.inner.WriteTransition(ctx, sessionID, tr); err != nil {
			a.log.Warn("transition write failed", "session_id", sessionID, "error", err)
		}
	})
	return nil
}

// Close drains the queue, then closes the wrapped sink.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()

	a.wg.Wait()
	a.inner.Close()
}
