// Package mock provides a scriptable in-memory [tts.Synthesizer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voluble-ai/voluble/pkg/provider/tts"
)

// Compile-time assertion that Synthesizer implements tts.Synthesizer.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer is a configurable mock. Zero value returns empty audio.
// Safe for concurrent use.
type Synthesizer struct {
	mu sync.Mutex

	// Audio and Err are returned from Synthesize when Fn is nil.
	Audio []byte
	Err   error

	// Fn, when set, fully controls Synthesize behaviour. Useful for
	// simulating a slow synthesis that observes cancellation.
	Fn func(ctx context.Context, req tts.Request) ([]byte, error)

	// PingErr is returned from Ping.
	PingErr error

	// Calls records every Synthesize request in order.
	Calls []tts.Request
}

// Synthesize implements [tts.Synthesizer].
func (m *Synthesizer) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn, pcm, err := m.Fn, m.Audio, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return pcm, err
}

// Ping implements [tts.Synthesizer].
func (m *Synthesizer) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// CallCount returns the number of recorded Synthesize calls.
func (m *Synthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
