package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; using the in-memory store, nothing survives a restart")
	}
	if cfg.Store.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("store.max_conns %d must not be negative", cfg.Store.MaxConns))
	}

	// Transcript
	if cfg.Transcript.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("transcript.queue_size %d must be at least 1", cfg.Transcript.QueueSize))
	}
	if cfg.Transcript.ActorIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcript.actor_idle_timeout %s must not be negative", cfg.Transcript.ActorIdleTimeout))
	}
	if cfg.Transcript.MaxCASRetries < 0 {
		errs = append(errs, fmt.Errorf("transcript.max_cas_retries %d must not be negative", cfg.Transcript.MaxCASRetries))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.OutboundBuffer < 1 {
		errs = append(errs, fmt.Errorf("realtime.outbound_buffer %d must be at least 1", rt.OutboundBuffer))
	}
	if rt.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.write_timeout %s must not be negative", rt.WriteTimeout))
	}
	if rt.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("realtime.retry.max_attempts %d must be at least 1", rt.Retry.MaxAttempts))
	}
	if rt.Retry.Backoff < 0 || rt.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("realtime.retry backoffs must not be negative"))
	} else if rt.Retry.MaxBackoff > 0 && rt.Retry.Backoff > rt.Retry.MaxBackoff {
		errs = append(errs, fmt.Errorf("realtime.retry.backoff %s exceeds max_backoff %s", rt.Retry.Backoff, rt.Retry.MaxBackoff))
	}
	if rt.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("realtime.breaker.max_failures %d must be at least 1", rt.Breaker.MaxFailures))
	}
	if rt.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.breaker.reset_timeout %s must not be negative", rt.Breaker.ResetTimeout))
	}

	// Client
	if cfg.Client.DedupCapacity < 1 {
		errs = append(errs, fmt.Errorf("client.dedup_capacity %d must be at least 1", cfg.Client.DedupCapacity))
	}
	if cfg.Client.DedupKeep < 1 || cfg.Client.DedupKeep > cfg.Client.DedupCapacity {
		errs = append(errs, fmt.Errorf("client.dedup_keep %d must be in [1, dedup_capacity]", cfg.Client.DedupKeep))
	}

	// Observability
	if r := cfg.Observability.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.trace_sample_ratio %g must be in (0, 1]", r))
	}

	return errors.Join(errs...)
}
