// Package app wires all consultscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/consultscribe/internal/api"
	"github.com/MrWong99/consultscribe/internal/config"
	"github.com/MrWong99/consultscribe/internal/finalize"
	"github.com/MrWong99/consultscribe/internal/health"
	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/internal/realtime"
	"github.com/MrWong99/consultscribe/internal/replay"
	"github.com/MrWong99/consultscribe/internal/resilience"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/internal/transcript"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/store/memstore"
	"github.com/MrWong99/consultscribe/pkg/store/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	store   store.Store
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	sessions    *session.Registry
	transcripts *transcript.Consolidator
	replay      *replay.Service
	hub         *realtime.Hub
	finalizer   *finalize.Orchestrator
	handler     http.Handler

	// server is set by Run.
	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
	ready  chan struct{}

	readyOnce sync.Once

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence backend instead of creating one from
// config. The caller keeps ownership: Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the instrument set instead of using
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: store connection (and
// migration), registry, consolidator, realtime hub, finalize orchestrator
// and HTTP routing. cfg must already have defaults applied.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Sessions and transcripts ──────────────────────────────────────
	a.sessions = session.NewRegistry(session.RegistryConfig{Store: a.store})
	a.transcripts = transcript.New(transcript.Config{
		Store:         a.store,
		Sessions:      a.sessions,
		QueueSize:     cfg.Transcript.QueueSize,
		IdleTimeout:   cfg.Transcript.ActorIdleTimeout,
		MaxCASRetries: cfg.Transcript.MaxCASRetries,
		Salvage:       cfg.Transcript.SalvageEnabled(),
		Metrics:       a.metrics,
	})
	a.replay = replay.New(a.transcripts, a.sessions)

	// ── 3. Realtime hub ──────────────────────────────────────────────────
	rt := cfg.Realtime
	a.hub = realtime.New(realtime.Config{
		Transcripts: a.transcripts,
		Replay:      a.replay,
		Sessions:    a.sessions,
		Suggestions: a.store,
		Retry: resilience.RetryConfig{
			MaxAttempts: rt.Retry.MaxAttempts,
			Backoff:     rt.Retry.Backoff,
			MaxBackoff:  rt.Retry.MaxBackoff,
		},
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rt.Breaker.MaxFailures,
			ResetTimeout: rt.Breaker.ResetTimeout,
			OnStateChange: func(from, to resilience.State) {
				slog.Warn("persistence breaker changed state", "from", from.String(), "to", to.String())
			},
		},
		OutboundBuffer: rt.OutboundBuffer,
		WriteTimeout:   rt.WriteTimeout,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
	})

	// ── 4. Finalize ──────────────────────────────────────────────────────
	a.finalizer = finalize.New(finalize.Config{
		Sessions:    a.sessions,
		Transcripts: a.transcripts,
		Suggestions: a.store,
		Metrics:     a.metrics,
	})

	// ── 5. HTTP routing ──────────────────────────────────────────────────
	a.initHTTP()

	// Connections first so no frame is enqueued for an actor that stopped.
	a.closers = append([]func() error{
		func() error { a.hub.Close(); return nil },
		func() error { a.transcripts.Close(); return nil },
	}, a.closers...)

	slog.Info("app initialised",
		"listen_addr", cfg.Server.ListenAddr,
		"persistent", cfg.Store.PostgresDSN != "",
		"salvage_tombstones", cfg.Transcript.SalvageEnabled(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and otherwise
// falls back to the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Warn("store.postgres_dsn not set, transcripts are kept in memory only")
		a.store = memstore.New()
		return nil
	}

	st, err := postgres.NewStore(ctx, dsn,
		postgres.WithMigrate(a.cfg.Store.MigrateEnabled()),
		postgres.WithMaxConns(a.cfg.Store.MaxConns),
	)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

// initHTTP assembles the API, websocket, health and metrics routes.
func (a *App) initHTTP() {
	mux := http.NewServeMux()

	api.New(api.Config{
		Sessions:    a.sessions,
		Events:      a.hub,
		Finalizer:   a.finalizer,
		Transcripts: a.replay,
		Tombstones:  a.transcripts,
		WS:          http.HandlerFunc(a.hub.ServeWS),
	}).Register(mux)

	health.New(
		health.StoreChecker(a.store),
		health.CheckFunc("persistence_breaker", a.hub.Breaker().Check),
	).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler. Useful for tests that serve the
// app through httptest.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Addr returns the bound listen address once Run is serving, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Ready is closed once Run is accepting connections.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests within server.shutdown_timeout. It returns nil
// after a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.server = srv
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		a.readyOnce.Do(func() { close(a.ready) })

		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Websocket connections are hijacked and not tracked by the server.
		a.hub.Close()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: realtime connections, then
// transcript actors, then the store. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
