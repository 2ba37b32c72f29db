package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied to a running server; every other change
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed settings that only take effect
	// after a restart, by YAML path.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("server.shutdown_timeout", old.Server.ShutdownTimeout != new.Server.ShutdownTimeout)
	restart("store.postgres_dsn", old.Store.PostgresDSN != new.Store.PostgresDSN)
	restart("store.max_conns", old.Store.MaxConns != new.Store.MaxConns)
	restart("store.migrate", old.Store.MigrateEnabled() != new.Store.MigrateEnabled())
	restart("transcript.queue_size", old.Transcript.QueueSize != new.Transcript.QueueSize)
	restart("transcript.actor_idle_timeout", old.Transcript.ActorIdleTimeout != new.Transcript.ActorIdleTimeout)
	restart("transcript.max_cas_retries", old.Transcript.MaxCASRetries != new.Transcript.MaxCASRetries)
	restart("transcript.salvage_tombstones", old.Transcript.SalvageEnabled() != new.Transcript.SalvageEnabled())
	restart("realtime.outbound_buffer", old.Realtime.OutboundBuffer != new.Realtime.OutboundBuffer)
	restart("realtime.write_timeout", old.Realtime.WriteTimeout != new.Realtime.WriteTimeout)
	restart("realtime.retry", old.Realtime.Retry != new.Realtime.Retry)
	restart("realtime.breaker", old.Realtime.Breaker != new.Realtime.Breaker)
	restart("client", old.Client != new.Client)
	restart("observability", old.Observability != new.Observability)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
