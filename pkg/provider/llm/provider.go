// Package llm defines the narrow contract with the external reasoning
// service. The service receives the recent conversation as alternating
// user/assistant messages and returns the assistant's reply, optionally with
// citations. Citations are opaque to Voluble; they are stored and forwarded
// but never interpreted.
package llm

import "context"

// Message is one conversation message in the reasoning request.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is the payload of one reasoning call.
type Request struct {
	Messages  []Message `json:"messages"`
	TenantID  string    `json:"tenant_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Result is the reasoning service's reply.
type Result struct {
	Response  string   `json:"response"`
	Citations []string `json:"citations,omitempty"`
}

// Reasoner produces the assistant reply for one turn.
type Reasoner interface {
	// Reason sends the conversation tail plus the new user text and returns
	// the reply. The call must respect ctx cancellation and deadlines.
	Reason(ctx context.Context, req Request) (Result, error)

	// Ping probes the service for reachability.
	Ping(ctx context.Context) error
}
