package conv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voluble-ai/voluble/internal/observe"
	"github.com/voluble-ai/voluble/internal/vad"
)

// Manager owns the session registry: creation with validated defaults,
// lookup, termination, and idle reaping. Safe for concurrent use.
type Manager struct {
	log      *slog.Logger
	driver   TurnDriver
	observer Observer
	metrics  *observe.Metrics
	timing   Timing

	baseThreshold float64
	silenceWindow time.Duration
	maxBytes      int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption is a functional option for configuring a [Manager].
type ManagerOption func(*Manager)

// WithObserver registers a persistence observer for all sessions.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithMetrics registers the metric instruments for all sessions.
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// WithTiming overrides the state-machine delays. Used by tests.
func WithTiming(t Timing) ManagerOption {
	return func(m *Manager) { m.timing = t }
}

// WithVAD overrides the base detection threshold and silence window applied
// to new sessions. Non-positive values keep the detector defaults.
func WithVAD(baseThreshold float64, silenceWindow time.Duration) ManagerOption {
	return func(m *Manager) {
		if baseThreshold > 0 {
			m.baseThreshold = baseThreshold
		}
		if silenceWindow > 0 {
			m.silenceWindow = silenceWindow
		}
	}
}

// WithMaxBufferBytes overrides the per-session audio buffer cap.
func WithMaxBufferBytes(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager that drives turns through the given driver.
func NewManager(driver TurnDriver, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:           slog.Default(),
		driver:        driver,
		timing:        DefaultTiming(),
		baseThreshold: vad.DefaultThreshold,
		silenceWindow: vad.DefaultSilenceWindow,
		maxBytes:      DefaultMaxBufferBytes,
		sessions:      make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create validates params, fills in defaults, and starts a new session in
// the idle state.
func (m *Manager) Create(params CreateParams) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("conv: invalid session params: %w", err)
	}

	cfg := SessionConfig{
		Voice:           orDefault(params.Voice, DefaultVoice),
		Tone:            orDefault(params.Tone, DefaultTone),
		Pace:            orDefault(params.Pace, DefaultPace),
		Energy:          orDefault(params.Energy, DefaultEnergy),
		Prosody:         orDefaultBool(params.Prosody, true),
		EnableBreaths:   orDefaultBool(params.EnableBreaths, true),
		EnableSSML:      orDefaultBool(params.EnableSSML, true),
		VADSensitivity:  DefaultVADSensitivity,
		SilenceWindowMS: m.silenceWindow.Milliseconds(),
	}
	if params.VADSensitivity != nil {
		cfg.VADSensitivity = *params.VADSensitivity
	}
	cfg.VADThreshold = deriveThreshold(m.baseThreshold, cfg.VADSensitivity)

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           uuid.NewString(),
		tenantID:     params.TenantID,
		userID:       params.UserID,
		cfg:          cfg,
		timing:       m.timing,
		maxBytes:     m.maxBytes,
		driver:       m.driver,
		observer:     m.observer,
		metrics:      m.metrics,
		events:       make(chan event, 256),
		done:         make(chan struct{}),
		baseCtx:      ctx,
		baseCancel:   cancel,
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
		det:          vad.New(cfg.VADThreshold, m.silenceWindow),
	}
	s.log = m.log.With("session_id", s.id)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go s.run()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	if m.observer != nil {
		m.observer.SessionChanged(s.Snapshot())
	}
	m.log.Info("session created",
		"session_id", s.id, "tenant_id", s.tenantID, "user_id", s.userID,
		"voice", cfg.Voice, "tone", cfg.Tone)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete ends the session and removes it from the registry. Returns false
// when no such session exists, so a second delete of the same id reports
// not-found.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.End()
	m.log.Info("session deleted", "session_id", id)
	return true
}

// List returns snapshots of all active sessions. Sessions that have ended
// but are not yet reaped are excluded.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		if snap := s.Snapshot(); snap.State != StateEnded {
			out = append(out, snap)
		}
	}
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Cleanup ends and removes every session idle for longer than maxIdle,
// returning how many were reaped.
func (m *Manager) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.log.Info("reaping idle session",
			"session_id", s.ID(), "last_activity", s.LastActivity())
		m.Delete(s.ID())
	}
	return len(stale)
}

// Run reaps idle sessions every interval until ctx is cancelled, then ends
// all remaining sessions.
func (m *Manager) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			if n := m.Cleanup(maxIdle); n > 0 {
				m.log.Info("idle session cleanup", "reaped", n)
			}
		}
	}
}

// Shutdown ends every registered session and waits for their loops to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
