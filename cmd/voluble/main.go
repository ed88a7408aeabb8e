// Command voluble is the real-time voice conversation server. It terminates
// client WebSockets, runs the per-session conversation state machine, and
// chains the transcribe, reason, and synthesize services into turns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voluble-ai/voluble/internal/config"
	"github.com/voluble-ai/voluble/internal/control"
	"github.com/voluble-ai/voluble/internal/conv"
	"github.com/voluble-ai/voluble/internal/health"
	"github.com/voluble-ai/voluble/internal/observe"
	"github.com/voluble-ai/voluble/internal/orchestrator"
	"github.com/voluble-ai/voluble/internal/sink"
	"github.com/voluble-ai/voluble/internal/transport"
	llmrest "github.com/voluble-ai/voluble/pkg/provider/llm/rest"
	sttrest "github.com/voluble-ai/voluble/pkg/provider/stt/rest"
	ttsrest "github.com/voluble-ai/voluble/pkg/provider/tts/rest"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// A .env beside the binary supplies VOLUBLE_* overrides in development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voluble: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voluble: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("voluble starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voluble",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Downstream service clients ────────────────────────────────────────────
	transcriber, err := sttrest.New(cfg.Services.TranscribeURL)
	if err != nil {
		slog.Error("failed to create transcribe client", "err", err)
		return 1
	}
	reasoner, err := llmrest.New(cfg.Services.ReasonURL)
	if err != nil {
		slog.Error("failed to create reason client", "err", err)
		return 1
	}
	synthesizer, err := ttsrest.New(cfg.Services.SynthesizeURL)
	if err != nil {
		slog.Error("failed to create synthesize client", "err", err)
		return 1
	}

	// ── Persistence ───────────────────────────────────────────────────────────
	var store sink.Sink = sink.Noop{}
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pg, err := sink.NewPostgres(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		store = pg
		slog.Info("postgres sink connected")
	}
	asyncStore := sink.NewAsync(store, 0, logger)
	defer asyncStore.Close()

	// ── Session engine ────────────────────────────────────────────────────────
	turns := orchestrator.New(transcriber, reasoner, synthesizer,
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	)
	manager := conv.NewManager(turns,
		conv.WithObserver(sink.NewRecorder(asyncStore)),
		conv.WithMetrics(metrics),
		conv.WithVAD(cfg.VAD.Threshold, cfg.VAD.SilenceWindow()),
		conv.WithMaxBufferBytes(cfg.Session.MaxBufferBytes),
		conv.WithLogger(logger),
	)
	go manager.Run(ctx, cfg.Session.CleanupInterval(), cfg.Session.IdleTimeout())

	// ── HTTP surface ──────────────────────────────────────────────────────────
	probe := health.NewProbe(map[string]health.Pinger{
		"transcribe": transcriber,
		"reason":     reasoner,
		"synthesize": synthesizer,
	})
	checks := health.New(
		health.Checker{Name: "transcribe", Check: transcriber.Ping},
		health.Checker{Name: "reason", Check: reasoner.Ping},
		health.Checker{Name: "synthesize", Check: synthesizer.Ping},
	)

	mux := http.NewServeMux()
	control.NewServer(manager, probe, cfg.Server.PublicBaseURL,
		control.WithLogger(logger)).Register(mux)
	transport.NewServer(manager,
		transport.WithReconnectGrace(cfg.Session.ReconnectGrace()),
		transport.WithLogger(logger)).Register(mux)
	mux.HandleFunc("GET /healthz", checks.Healthz)
	mux.HandleFunc("GET /readyz", checks.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("http server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	manager.Shutdown()

	slog.Info("goodbye")
	return 0
}
