// Package config loads and validates the YAML configuration file and the
// environment overrides layered on top of it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// LogLevel is the configured minimum log level.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto its [slog.Level]. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Services ServicesConfig `yaml:"services"`
	Store    StoreConfig    `yaml:"store"`
	VAD      VADConfig      `yaml:"vad"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is the minimum level emitted. Default: "info".
	LogLevel LogLevel `yaml:"log_level"`

	// PublicBaseURL is the externally reachable base URL used to build the
	// transport_url returned at session creation, e.g. "ws://voice.example.com".
	// Default: "ws://localhost" plus the listen port.
	PublicBaseURL string `yaml:"public_base_url"`
}

// ServicesConfig locates the three downstream speech services.
type ServicesConfig struct {
	TranscribeURL string `yaml:"transcribe_url"`
	ReasonURL     string `yaml:"reason_url"`
	SynthesizeURL string `yaml:"synthesize_url"`
}

// StoreConfig configures persistence. An empty DSN disables it.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// VADConfig tunes voice-activity detection.
type VADConfig struct {
	// Threshold is the base normalised RMS energy threshold. Default: 0.01.
	Threshold float64 `yaml:"threshold"`

	// SilenceWindowMS is how long energy must stay below threshold before an
	// utterance is considered finished. Default: 1000.
	SilenceWindowMS int64 `yaml:"silence_window_ms"`
}

// SessionConfig tunes session lifecycle handling.
type SessionConfig struct {
	// IdleTimeoutMS is how long a session may sit without activity before the
	// reaper removes it. Default: 3600000 (one hour).
	IdleTimeoutMS int64 `yaml:"idle_timeout_ms"`

	// CleanupIntervalMS is how often the reaper runs. Default: 300000.
	CleanupIntervalMS int64 `yaml:"cleanup_interval_ms"`

	// ReconnectGraceMS is how long a disconnected session survives before
	// deletion. Default: 5000.
	ReconnectGraceMS int64 `yaml:"reconnect_grace_ms"`

	// MaxBufferBytes caps the per-session audio buffer. Default: 960000.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`
}

// SilenceWindow returns the silence window as a duration.
func (v VADConfig) SilenceWindow() time.Duration {
	return time.Duration(v.SilenceWindowMS) * time.Millisecond
}

// IdleTimeout returns the idle timeout as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// CleanupInterval returns the reaper interval as a duration.
func (s SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMS) * time.Millisecond
}

// ReconnectGrace returns the disconnect grace window as a duration.
func (s SessionConfig) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceMS) * time.Millisecond
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Services.TranscribeURL == "" {
		errs = append(errs, errors.New("services.transcribe_url is required"))
	}
	if cfg.Services.ReasonURL == "" {
		errs = append(errs, errors.New("services.reason_url is required"))
	}
	if cfg.Services.SynthesizeURL == "" {
		errs = append(errs, errors.New("services.synthesize_url is required"))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %v is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceWindowMS < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_window_ms %d must not be negative", cfg.VAD.SilenceWindowMS))
	}
	if cfg.Session.IdleTimeoutMS < 0 || cfg.Session.CleanupIntervalMS < 0 ||
		cfg.Session.ReconnectGraceMS < 0 || cfg.Session.MaxBufferBytes < 0 {
		errs = append(errs, errors.New("session durations and buffer sizes must not be negative"))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; conversation history will not be persisted")
	}

	return errors.Join(errs...)
}
