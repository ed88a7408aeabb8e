// Package mock provides a scriptable in-memory [stt.Transcriber] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voluble-ai/voluble/pkg/provider/stt"
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Call records one Transcribe invocation.
type Call struct {
	PCM []byte
}

// Transcriber is a configurable mock. Zero value returns empty results.
// Safe for concurrent use.
type Transcriber struct {
	mu sync.Mutex

	// Result and Err are returned from Transcribe when Fn is nil.
	Result stt.Result
	Err    error

	// Fn, when set, fully controls Transcribe behaviour.
	Fn func(ctx context.Context, pcm []byte) (stt.Result, error)

	// PingErr is returned from Ping.
	PingErr error

	// Calls records every Transcribe invocation in order.
	Calls []Call
}

// Transcribe implements [stt.Transcriber].
func (m *Transcriber) Transcribe(ctx context.Context, pcm []byte) (stt.Result, error) {
	m.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	m.Calls = append(m.Calls, Call{PCM: cp})
	fn, res, err := m.Fn, m.Result, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm)
	}
	return res, err
}

// Ping implements [stt.Transcriber].
func (m *Transcriber) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// CallCount returns the number of recorded Transcribe calls.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
