// Package control is the HTTP management surface: session CRUD, interrupt
// injection, history retrieval, and the downstream service health report.
// The audio path never flows through here; that is the transport's job.
package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/voluble-ai/voluble/internal/conv"
	"github.com/voluble-ai/voluble/internal/health"
)

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithLogger overrides the logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server handles the /v1 management API.
type Server struct {
	manager *conv.Manager
	probe   *health.Probe
	baseURL string
	log     *slog.Logger
}

// NewServer creates a control Server. baseURL is the externally reachable
// WebSocket base used to build transport URLs, e.g. "ws://voice.example.com".
func NewServer(manager *conv.Manager, probe *health.Probe, baseURL string, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		probe:   probe,
		baseURL: baseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts all management routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/services/health", s.handleServicesHealth)
}

// createRequest is the session creation body. Pointer fields distinguish
// omitted from zero.
type createRequest struct {
	TenantID       string   `json:"tenant_id"`
	UserID         string   `json:"user_id"`
	Voice          string   `json:"voice"`
	Tone           string   `json:"tone"`
	Pace           string   `json:"pace"`
	Energy         string   `json:"energy"`
	Prosody        *bool    `json:"prosody"`
	EnableBreaths  *bool    `json:"enable_breaths"`
	EnableSSML     *bool    `json:"enable_ssml"`
	VADSensitivity *float64 `json:"vad_sensitivity"`
}

// getResponse flattens the session snapshot and appends the turn history.
type getResponse struct {
	conv.Snapshot
	History []conv.Turn `json:"history"`
}

type createResponse struct {
	SessionID    string             `json:"session_id"`
	TransportURL string             `json:"transport_url"`
	State        conv.State         `json:"state"`
	Config       conv.SessionConfig `json:"config"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, err := s.manager.Create(conv.CreateParams{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		Voice:          req.Voice,
		Tone:           req.Tone,
		Pace:           req.Pace,
		Energy:         req.Energy,
		Prosody:        req.Prosody,
		EnableBreaths:  req.EnableBreaths,
		EnableSSML:     req.EnableSSML,
		VADSensitivity: req.VADSensitivity,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		SessionID:    sess.ID(),
		TransportURL: s.baseURL + "/ws/" + sess.ID(),
		State:        sess.State(),
		Config:       sess.Config(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	snaps := s.manager.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": snaps,
		"count":    len(snaps),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, getResponse{
		Snapshot: sess.Snapshot(),
		History:  sess.History(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Delete(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	// The session decides whether the interrupt applies; out-of-state
	// interrupts are absorbed.
	sess.Interrupt()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	turns := sess.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID(),
		"turns":      turns,
		"count":      len(turns),
	})
}

func (s *Server) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.probe.Run(r.Context())
	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"healthy":  healthy,
		"services": statuses,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
