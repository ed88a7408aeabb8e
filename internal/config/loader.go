package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. DSNs and endpoints tend
// to come from the deployment environment rather than the config file.
const (
	envListenAddr    = "VOLUBLE_LISTEN_ADDR"
	envLogLevel      = "VOLUBLE_LOG_LEVEL"
	envPublicBaseURL = "VOLUBLE_PUBLIC_BASE_URL"
	envTranscribeURL = "VOLUBLE_TRANSCRIBE_URL"
	envReasonURL     = "VOLUBLE_REASON_URL"
	envSynthesizeURL = "VOLUBLE_SYNTHESIZE_URL"
	envPostgresDSN   = "VOLUBLE_POSTGRES_DSN"
)

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setIfPresent(envListenAddr, &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	setIfPresent(envPublicBaseURL, &cfg.Server.PublicBaseURL)
	setIfPresent(envTranscribeURL, &cfg.Services.TranscribeURL)
	setIfPresent(envReasonURL, &cfg.Services.ReasonURL)
	setIfPresent(envSynthesizeURL, &cfg.Services.SynthesizeURL)
	setIfPresent(envPostgresDSN, &cfg.Store.PostgresDSN)
}

func setIfPresent(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.PublicBaseURL == "" {
		cfg.Server.PublicBaseURL = "ws://localhost" + cfg.Server.ListenAddr
	}
	if cfg.VAD.Threshold == 0 {
		cfg.VAD.Threshold = 0.01
	}
	if cfg.VAD.SilenceWindowMS == 0 {
		cfg.VAD.SilenceWindowMS = 1000
	}
	if cfg.Session.IdleTimeoutMS == 0 {
		cfg.Session.IdleTimeoutMS = 3_600_000
	}
	if cfg.Session.CleanupIntervalMS == 0 {
		cfg.Session.CleanupIntervalMS = 300_000
	}
	if cfg.Session.ReconnectGraceMS == 0 {
		cfg.Session.ReconnectGraceMS = 5_000
	}
	if cfg.Session.MaxBufferBytes == 0 {
		cfg.Session.MaxBufferBytes = 960_000
	}
}
