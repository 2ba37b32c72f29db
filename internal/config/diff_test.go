package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/consultscribe/internal/config"
)

func defaults() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := defaults()
	d := config.Diff(cfg, defaults())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := defaults()
	new := defaults()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should apply live, got restart list %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := defaults()
	new := defaults()
	new.Server.ListenAddr = ":9999"
	new.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
	new.Store.PostgresDSN = "postgres://other"
	off := false
	new.Transcript.SalvageTombstones = &off
	new.Realtime.Retry.Backoff = time.Second
	new.Client.DedupKeep = 100

	d := config.Diff(old, new)
	want := []string{
		"server.listen_addr",
		"server.tls",
		"store.postgres_dsn",
		"transcript.salvage_tombstones",
		"realtime.retry",
		"client",
	}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged {
		t.Error("log level did not change")
	}
}

func TestDiff_ExplicitDefaultIsNoChange(t *testing.T) {
	t.Parallel()
	old := defaults()
	new := defaults()
	on := true
	new.Transcript.SalvageTombstones = &on
	new.Store.Migrate = &on

	if d := config.Diff(old, new); d.Changed() {
		t.Errorf("explicit defaults reported as change: %+v", d)
	}
}
