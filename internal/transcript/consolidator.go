// Package transcript maintains the canonical transcript record of each
// consultation session.
//
// Every active session is served by one actor goroutine that owns all
// mutation of that session's records. Producers on independent audio
// channels enqueue appends; the actor applies them one at a time, so two
// appends for the same session never race inside a process. Records written
// by other processes sharing the store are handled by compare-and-swap
// updates and by reconciliation: when more than one completed record exists,
// the newest wins and the rest become tombstones.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Default actor parameters.
const (
	defaultQueueSize     = 256
	defaultIdleTimeout   = 5 * time.Minute
	defaultMaxCASRetries = 5
)

var (
	// ErrSessionClosed is returned for appends to a frozen transcript.
	ErrSessionClosed = session.ErrClosed

	// ErrClosed is returned after [Consolidator.Close].
	ErrClosed = errors.New("transcript: consolidator closed")

	// ErrTooManyConflicts is returned when an operation keeps losing
	// compare-and-swap races beyond the configured retry bound.
	ErrTooManyConflicts = errors.New("transcript: too many version conflicts")
)

// SessionValidator reports whether a session currently accepts new events.
// [session.Registry] implements it.
type SessionValidator interface {
	AcceptsEvents(ctx context.Context, sessionID string) error
}

// Config configures a [Consolidator].
type Config struct {
	// Store persists transcript records. Required.
	Store store.TranscriptStore

	// Sessions gates appends on session lifecycle state. May be nil.
	Sessions SessionValidator

	// QueueSize bounds each actor's inbox. Defaults to 256 if zero.
	QueueSize int

	// IdleTimeout stops an actor that received nothing for this long.
	// Defaults to 5m if zero.
	IdleTimeout time.Duration

	// MaxCASRetries bounds retries after version conflicts. Defaults to 5 if
	// zero.
	MaxCASRetries int

	// Salvage copies entries that exist only in demoted records into the
	// canonical record during reconciliation.
	Salvage bool

	// Metrics receives transcript instrumentation. May be nil.
	Metrics *observe.Metrics

	// Clock overrides time.Now. May be nil.
	Clock func() time.Time

	// NewID generates record ids. Defaults to uuid.NewString.
	NewID func() string
}

// AppendResult describes the outcome of an accepted append.
type AppendResult struct {
	SessionID string
	Entry     types.Entry

	// Duplicate is true when the utterance was already part of the canonical
	// record. No state changed and no commit hook ran.
	Duplicate bool

	// Position is the zero-based index of the entry in the canonical record.
	Position int

	RecordID string
	Version  int64
}

// Consolidator routes transcript operations to per-session actors.
//
// All methods are safe for concurrent use.
type Consolidator struct {
	st          store.TranscriptStore
	sessions    SessionValidator
	queueSize   int
	idleTimeout time.Duration
	maxRetries  int
	salvage     bool
	metrics     *observe.Metrics
	now         func() time.Time
	newID       func() string

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// New creates a [Consolidator].
func New(cfg Config) *Consolidator {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	retries := cfg.MaxCASRetries
	if retries <= 0 {
		retries = defaultMaxCASRetries
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Consolidator{
		st:          cfg.Store,
		sessions:    cfg.Sessions,
		queueSize:   queueSize,
		idleTimeout: idle,
		maxRetries:  retries,
		salvage:     cfg.Salvage,
		metrics:     cfg.Metrics,
		now:         now,
		newID:       newID,
		actors:      make(map[string]*actor),
	}
}

// Append adds u to its session's canonical record. onCommit, when non-nil,
// runs inside the session actor right after the write is durable, before
// any later event for the session is processed. Callers use it to broadcast
// in commit order. onCommit must not block.
//
// A re-delivered utterance returns a result with Duplicate set.
func (c *Consolidator) Append(ctx context.Context, u types.Utterance, onCommit func(AppendResult)) (AppendResult, error) {
	if err := u.Validate(); err != nil {
		return AppendResult{}, err
	}
	if c.sessions != nil {
		if err := c.sessions.AcceptsEvents(ctx, u.SessionID); err != nil {
			return AppendResult{}, err
		}
	}
	r, err := c.send(ctx, u.SessionID, message{kind: msgAppend, utt: u, onCommit: onCommit})
	return r.append, err
}

// Snapshot returns the ordered entries of the canonical record. onSnapshot,
// when non-nil, runs inside the actor with the same entries before any later
// event is processed; callers register for live events there so the
// snapshot and the first live event are causally consistent.
func (c *Consolidator) Snapshot(ctx context.Context, sessionID string, onSnapshot func([]types.Entry)) ([]types.Entry, error) {
	if err := types.ValidateID("session id", sessionID); err != nil {
		return nil, err
	}
	r, err := c.send(ctx, sessionID, message{kind: msgSnapshot, onSnapshot: onSnapshot})
	return r.entries, err
}

// Canonical returns the ordered entries of the session's canonical record
// as last committed. A session without records has an empty transcript.
func (c *Consolidator) Canonical(ctx context.Context, sessionID string) ([]types.Entry, error) {
	return c.Snapshot(ctx, sessionID, nil)
}

// Freeze marks the canonical record frozen and returns its entries. Later
// appends fail with [ErrSessionClosed]. Freezing is idempotent.
func (c *Consolidator) Freeze(ctx context.Context, sessionID string) ([]types.Entry, error) {
	if err := types.ValidateID("session id", sessionID); err != nil {
		return nil, err
	}
	r, err := c.send(ctx, sessionID, message{kind: msgFreeze})
	return r.entries, err
}

// Tombstones returns the session's demoted records, oldest first.
func (c *Consolidator) Tombstones(ctx context.Context, sessionID string) ([]store.TranscriptRecord, error) {
	if err := types.ValidateID("session id", sessionID); err != nil {
		return nil, err
	}
	r, err := c.send(ctx, sessionID, message{kind: msgTombstones})
	return r.records, err
}

// Exec runs fn inside the session actor, ordered with the session's other
// events. fn must not call back into the Consolidator for the same session.
func (c *Consolidator) Exec(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	if err := types.ValidateID("session id", sessionID); err != nil {
		return err
	}
	_, err := c.send(ctx, sessionID, message{kind: msgExec, fn: fn})
	return err
}

// ActiveSessions returns the number of running actors.
func (c *Consolidator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

// Close stops accepting work, lets every actor drain its queue, and waits
// for them to exit. Safe to call multiple times.
func (c *Consolidator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	for _, a := range c.actors {
		close(a.stop)
	}
	c.mu.Unlock()

	c.wg.Wait()
	slog.Info("transcript consolidator closed")
}

// send enqueues m on the session's actor, spawning it if needed, and waits
// for the reply. A caller that gives up waiting does not cancel the
// operation; the actor finishes it.
func (c *Consolidator) send(ctx context.Context, sessionID string, m message) (reply, error) {
	a, err := c.acquire(sessionID)
	if err != nil {
		return reply{}, err
	}
	return deliver(ctx, a, m)
}

// deliver hands m to an actor reserved by acquire and waits for the reply.
func deliver(ctx context.Context, a *actor, m message) (reply, error) {
	m.ctx = context.WithoutCancel(ctx)
	m.reply = make(chan reply, 1)

	select {
	case a.inbox <- m:
	case <-a.done:
		a.pending.Add(-1)
		return reply{}, ErrClosed
	case <-ctx.Done():
		a.pending.Add(-1)
		return reply{}, ctx.Err()
	}

	select {
	case r := <-m.reply:
		return r, r.err
	case <-a.done:
		// The actor may have exited with m still queued after a shutdown.
		select {
		case r := <-m.reply:
			return r, r.err
		default:
			return reply{}, ErrClosed
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// acquire returns the live actor for sessionID and reserves a queue slot on
// it. The reservation keeps the actor from retiring until the message is
// consumed.
func (c *Consolidator) acquire(sessionID string) (*actor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	a, ok := c.actors[sessionID]
	if !ok {
		a = newActor(c, sessionID)
		c.actors[sessionID] = a
		c.wg.Add(1)
		go a.run()
		if c.metrics != nil {
			c.metrics.ActiveSessions.Add(context.Background(), 1)
		}
		slog.Debug("session actor started", "session_id", sessionID)
	}
	a.pending.Add(1)
	return a, nil
}

// retire removes a from the actor table if nothing is reserved on it.
// It reports whether the actor may exit.
func (c *Consolidator) retire(a *actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.pending.Load() > 0 {
		return false
	}
	if c.actors[a.sessionID] == a {
		delete(c.actors, a.sessionID)
	}
	return true
}

// actorExited is called by an actor's goroutine on exit.
func (c *Consolidator) actorExited(a *actor) {
	c.mu.Lock()
	if c.actors[a.sessionID] == a {
		delete(c.actors, a.sessionID)
	}
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Debug("session actor stopped", "session_id", a.sessionID)
	c.wg.Done()
}

func (c *Consolidator) casRetryErr(sessionID string) error {
	return fmt.Errorf("transcript: session %s: %w", sessionID, ErrTooManyConflicts)
}
