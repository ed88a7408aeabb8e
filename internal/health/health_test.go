package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voluble-ai/voluble/internal/health"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := health.New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checkers []health.Checker
		wantCode int
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name: "all pass",
			checkers: []health.Checker{
				{Name: "a", Check: func(context.Context) error { return nil }},
				{Name: "b", Check: func(context.Context) error { return nil }},
			},
			wantCode: http.StatusOK,
		},
		{
			name: "one fails",
			checkers: []health.Checker{
				{Name: "a", Check: func(context.Context) error { return nil }},
				{Name: "b", Check: func(context.Context) error { return errors.New("boom") }},
			},
			wantCode: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := health.New(tc.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestProbe_Run(t *testing.T) {
	t.Parallel()

	p := health.NewProbe(map[string]health.Pinger{
		"transcribe": pingFunc(func(context.Context) error { return nil }),
		"reason":     pingFunc(func(context.Context) error { return errors.New("connection refused") }),
		"synthesize": pingFunc(func(context.Context) error { return nil }),
	})

	out := p.Run(context.Background())
	if len(out) != 3 {
		t.Fatalf("status count = %d, want 3", len(out))
	}
	if !out["transcribe"].Healthy || !out["synthesize"].Healthy {
		t.Error("healthy services reported unhealthy")
	}
	if out["reason"].Healthy {
		t.Error("failing service reported healthy")
	}
	if out["reason"].Error == "" {
		t.Error("failing service has no error message")
	}
}

func TestProbe_RunsConcurrently(t *testing.T) {
	t.Parallel()

	slow := pingFunc(func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	p := health.NewProbe(map[string]health.Pinger{
		"a": slow, "b": slow, "c": slow,
	})

	start := time.Now()
	p.Run(context.Background())
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("probes took %v, want concurrent execution well under 300ms", elapsed)
	}

	// Probe results are marshalable for the HTTP surface.
	if _, err := json.Marshal(p.Run(context.Background())); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}
