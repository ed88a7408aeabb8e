// Package mock provides a scriptable in-memory [llm.Reasoner] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voluble-ai/voluble/pkg/provider/llm"
)

// Compile-time assertion that Reasoner implements llm.Reasoner.
var _ llm.Reasoner = (*Reasoner)(nil)

// Reasoner is a configurable mock. Zero value returns empty results.
// Safe for concurrent use.
type Reasoner struct {
	mu sync.Mutex

	// Result and Err are returned from Reason when Fn is nil.
	Result llm.Result
	Err    error

	// Fn, when set, fully controls Reason behaviour.
	Fn func(ctx context.Context, req llm.Request) (llm.Result, error)

	// PingErr is returned from Ping.
	PingErr error

	// Calls records every Reason request in order.
	Calls []llm.Request
}

// Reason implements [llm.Reasoner].
func (m *Reasoner) Reason(ctx context.Context, req llm.Request) (llm.Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn, res, err := m.Fn, m.Result, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return res, err
}

// Ping implements [llm.Reasoner].
func (m *Reasoner) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// CallCount returns the number of recorded Reason calls.
func (m *Reasoner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastRequest returns the most recent Reason request, or a zero Request when
// none was recorded.
func (m *Reasoner) LastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return llm.Request{}
	}
	return m.Calls[len(m.Calls)-1]
}
