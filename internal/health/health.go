// Package health provides HTTP health check handlers and the fan-out probe
// for the downstream speech services.
//
// Two probe surfaces exist:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// probeTimeout bounds each downstream service probe.
const probeTimeout = 3 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "database",
	// "transcribe"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	status, code := "ok", http.StatusOK
	if !allOK {
		status, code = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, code, result{Status: status, Checks: checks})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// ─── Downstream service probe ────────────────────────────────────────────────

// Pinger is the reachability probe every service client implements.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServiceStatus is the probe outcome for one downstream service.
type ServiceStatus struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Probe fans out reachability checks to named services. Probes run
// concurrently, each bounded by its own timeout.
type Probe struct {
	services map[string]Pinger
}

// NewProbe creates a Probe over the given named services.
func NewProbe(services map[string]Pinger) *Probe {
	m := make(map[string]Pinger, len(services))
	for name, p := range services {
		m[name] = p
	}
	return &Probe{services: m}
}

// Run probes every service and reports per-service status. The returned map
// always has one entry per registered service; Run itself never fails.
func (p *Probe) Run(ctx context.Context) map[string]ServiceStatus {
	var mu sync.Mutex
	out := make(map[string]ServiceStatus, len(p.services))

	g, ctx := errgroup.WithContext(ctx)
	for name, svc := range p.services {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			err := svc.Ping(probeCtx)
			status := ServiceStatus{
				Healthy:   err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				status.Error = err.Error()
			}

			mu.Lock()
			out[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
