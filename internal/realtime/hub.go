// Package realtime fans committed session events out to connected viewers.
//
// A [Hub] keeps one broadcast group per session. Producers submit utterances
// and suggestions; the hub persists them through the transcript
// consolidator and broadcasts from the session actor's commit hook, so
// every member observes events in commit order. Joining happens inside the
// same actor, right after the history snapshot.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/internal/resilience"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/internal/transcript"
	"github.com/MrWong99/consultscribe/pkg/protocol"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Default hub parameters.
const (
	defaultOutboundBuffer = 64
	defaultWriteTimeout   = 10 * time.Second
)

var (
	// ErrSessionDegraded marks submissions that could not be persisted after
	// all retries. Match it with errors.Is on a *[PersistenceError].
	ErrSessionDegraded = errors.New("realtime: session degraded")

	// ErrSuggestionNotFound is returned by [Hub.MarkUsed] for unknown ids.
	ErrSuggestionNotFound = errors.New("realtime: suggestion not found")

	// ErrNotJoined is returned for connection operations that need a joined
	// session.
	ErrNotJoined = errors.New("realtime: connection has not joined a session")
)

// PersistenceError reports a submission that exhausted its retries.
type PersistenceError struct {
	SessionID string
	EventID   string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("realtime: persisting %s for session %s: %v", e.EventID, e.SessionID, e.Err)
}

// Unwrap exposes both [ErrSessionDegraded] and the underlying cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrSessionDegraded, e.Err}
}

// Transcripts is the consolidator surface the hub needs.
type Transcripts interface {
	Append(ctx context.Context, u types.Utterance, onCommit func(transcript.AppendResult)) (transcript.AppendResult, error)
	Exec(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error
}

// Joiner serves join-time history. [replay.Service] implements it.
type Joiner interface {
	Join(ctx context.Context, sessionID string, register func(history []types.Entry)) ([]types.Entry, error)
}

// Sessions gates submissions on lifecycle state. [session.Registry]
// implements it.
type Sessions interface {
	AcceptsEvents(ctx context.Context, sessionID string) error
}

// Config configures a [Hub].
type Config struct {
	Transcripts Transcripts
	Replay      Joiner
	Sessions    Sessions
	Suggestions store.SuggestionStore

	// Retry controls re-attempts of failed writes.
	Retry resilience.RetryConfig

	// Breaker configures the circuit breaker around every write attempt.
	// Its IsFailure is always replaced with [IsPersistenceFailure].
	Breaker resilience.CircuitBreakerConfig

	// OutboundBuffer bounds each connection's queue. Defaults to 64 if zero.
	OutboundBuffer int

	// WriteTimeout bounds one websocket frame write. Defaults to 10s if zero.
	WriteTimeout time.Duration

	// OriginPatterns lists additional allowed websocket origins.
	OriginPatterns []string

	// Metrics receives hub instrumentation. May be nil.
	Metrics *observe.Metrics

	// Clock overrides time.Now. May be nil.
	Clock func() time.Time
}

// Hub routes events to session broadcast groups.
//
// All methods are safe for concurrent use.
type Hub struct {
	transcripts    Transcripts
	replay         Joiner
	sessions       Sessions
	suggestions    store.SuggestionStore
	retry          resilience.RetryConfig
	breaker        *resilience.CircuitBreaker
	outboundBuffer int
	writeTimeout   time.Duration
	originPatterns []string
	metrics        *observe.Metrics
	now            func() time.Time

	mu     sync.RWMutex
	groups map[string]map[string]*Conn
	conns  map[string]*Conn
}

// New creates a [Hub].
func New(cfg Config) *Hub {
	buf := cfg.OutboundBuffer
	if buf <= 0 {
		buf = defaultOutboundBuffer
	}
	wt := cfg.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = "persistence"
	}
	bc.IsFailure = IsPersistenceFailure
	rc := cfg.Retry
	if rc.Name == "" {
		rc.Name = "realtime persist"
	}
	return &Hub{
		transcripts:    cfg.Transcripts,
		replay:         cfg.Replay,
		sessions:       cfg.Sessions,
		suggestions:    cfg.Suggestions,
		retry:          rc,
		breaker:        resilience.NewCircuitBreaker(bc),
		outboundBuffer: buf,
		writeTimeout:   wt,
		originPatterns: cfg.OriginPatterns,
		metrics:        cfg.Metrics,
		now:            now,
		groups:         make(map[string]map[string]*Conn),
		conns:          make(map[string]*Conn),
	}
}

// Breaker returns the persistence circuit breaker, for readiness checks.
func (h *Hub) Breaker() *resilience.CircuitBreaker { return h.breaker }

// NewConn creates an unjoined connection with the hub's queue bound.
func (h *Hub) NewConn() *Conn {
	c := newConn(h.outboundBuffer, h.onDrop)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	return c
}

// onDrop takes a lagged connection out of its group. Its remaining queue is
// still a gapless suffix, and the peer resynchronises by rejoining.
func (h *Hub) onDrop(c *Conn, _ protocol.Frame) {
	if h.metrics != nil {
		h.metrics.OutboundDropped.Add(context.Background(), 1)
	}
	h.Leave(c)
}

// Join enrols c in the session's broadcast group and queues the history
// snapshot on it ahead of any live event. The snapshot carries the
// transcript and the suggestion ledger, both read in the same session actor
// step as the registration.
// Rejoining the same session does not duplicate membership; joining another
// session leaves the previous one. A lagged connection cannot join.
func (h *Hub) Join(ctx context.Context, c *Conn, sessionID string, role protocol.Role) ([]types.Entry, error) {
	if err := types.ValidateID("session id", sessionID); err != nil {
		return nil, err
	}
	if !role.IsValid() {
		return nil, &types.ValidationError{Field: "role", Reason: fmt.Sprintf("%q is not a valid role", role)}
	}
	if c.Lagged() {
		return nil, ErrConnLagged
	}
	if prev, _ := c.Session(); prev != "" && prev != sessionID {
		h.Leave(c)
	}

	var (
		mu      sync.Mutex
		ledgErr error
	)
	history, err := h.replay.Join(ctx, sessionID, func(history []types.Entry) {
		sgs, err := h.suggestions.ListSuggestions(context.WithoutCancel(ctx), sessionID)
		if err != nil {
			mu.Lock()
			ledgErr = err
			mu.Unlock()
			return
		}
		h.register(c, sessionID, role)
		c.Enqueue(protocol.HistoryFrame(sessionID, history, sgs))
	})
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	if ledgErr != nil {
		return nil, fmt.Errorf("realtime: join %s: list suggestions: %w", sessionID, ledgErr)
	}
	return history, nil
}

func (h *Hub) register(c *Conn, sessionID string, role protocol.Role) {
	c.setSession(sessionID, role)

	h.mu.Lock()
	group, ok := h.groups[sessionID]
	if !ok {
		group = make(map[string]*Conn)
		h.groups[sessionID] = group
	}
	_, member := group[c.id]
	group[c.id] = c
	h.mu.Unlock()

	if !member {
		if h.metrics != nil {
			h.metrics.ActiveConnections.Add(context.Background(), 1)
		}
		slog.Info("connection joined", "conn_id", c.id, "session_id", sessionID, "role", role)
	}
}

// Leave stops routing events to c. It never cancels writes in flight.
// Leaving when not joined is a no-op.
func (h *Hub) Leave(c *Conn) {
	sessionID, _ := c.Session()
	if sessionID == "" {
		return
	}
	c.setSession("", "")

	h.mu.Lock()
	group := h.groups[sessionID]
	_, member := group[c.id]
	delete(group, c.id)
	if len(group) == 0 {
		delete(h.groups, sessionID)
	}
	h.mu.Unlock()

	if member {
		if h.metrics != nil {
			h.metrics.ActiveConnections.Add(context.Background(), -1)
		}
		slog.Info("connection left", "conn_id", c.id, "session_id", sessionID)
	}
}

// Disconnect removes c from the hub entirely and closes its queue.
func (h *Hub) Disconnect(c *Conn) {
	h.Leave(c)
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.Close()
}

// Members returns the number of connections joined to the session.
func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}

// broadcast queues f on every member of the session's group.
func (h *Hub) broadcast(sessionID string, f protocol.Frame) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.groups[sessionID]))
	for _, c := range h.groups[sessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(f)
	}
}

// SubmitUtterance persists u and broadcasts it to the session group.
// A re-delivered utterance is acknowledged without a second broadcast.
// If persistence keeps failing, the group is told the session is degraded
// and a *[PersistenceError] is returned.
func (h *Hub) SubmitUtterance(ctx context.Context, u types.Utterance) (transcript.AppendResult, error) {
	if err := u.Validate(); err != nil {
		return transcript.AppendResult{}, err
	}

	var (
		res      transcript.AppendResult
		attempts int
	)
	err := h.persist(ctx, u.SessionID, u.ID, func(ctx context.Context) error {
		attempts++
		r, err := h.transcripts.Append(ctx, u, func(r transcript.AppendResult) {
			h.broadcast(u.SessionID, protocol.UtteranceFrame(u, r.Position))
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return transcript.AppendResult{}, err
	}

	// An earlier attempt may have committed before its reply was lost; its
	// broadcast never happened, so send it now in session order.
	if res.Duplicate && attempts > 1 {
		pos := res.Position
		err := h.transcripts.Exec(ctx, u.SessionID, func(context.Context) error {
			h.broadcast(u.SessionID, protocol.UtteranceFrame(u, pos))
			return nil
		})
		if err != nil {
			slog.Warn("rebroadcast of recovered utterance failed",
				"session_id", u.SessionID,
				"utterance_id", u.ID,
				"error", err,
			)
		}
	}
	return res, nil
}

// SubmitSuggestion records s in the ledger and broadcasts it. It reports
// whether s was new; re-submitting a known id is not an error.
func (h *Hub) SubmitSuggestion(ctx context.Context, s types.Suggestion) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	if err := h.sessions.AcceptsEvents(ctx, s.SessionID); err != nil {
		return false, err
	}

	var (
		created  atomic.Bool
		attempts atomic.Int32
	)
	err := h.persist(ctx, s.SessionID, s.ID, func(ctx context.Context) error {
		n := attempts.Add(1)
		return h.transcripts.Exec(ctx, s.SessionID, func(ctx context.Context) error {
			ok, err := h.suggestions.SaveSuggestion(ctx, s)
			if err != nil {
				return err
			}
			created.Store(ok)
			if ok || n > 1 {
				h.broadcast(s.SessionID, protocol.SuggestionFrame(s))
			}
			if ok && h.metrics != nil {
				h.metrics.SuggestionsAccepted.Add(ctx, 1)
			}
			return nil
		})
	})
	return created.Load(), err
}

// MarkUsed flags a suggestion as used by the clinician and broadcasts
// suggestion_used the first time. Marking twice is a no-op.
func (h *Hub) MarkUsed(ctx context.Context, sessionID, suggestionID string) (types.Suggestion, error) {
	if err := types.ValidateID("suggestion id", suggestionID); err != nil {
		return types.Suggestion{}, err
	}
	if err := h.sessions.AcceptsEvents(ctx, sessionID); err != nil {
		return types.Suggestion{}, err
	}

	var (
		mu  sync.Mutex
		out types.Suggestion
	)
	err := h.persist(ctx, sessionID, suggestionID, func(ctx context.Context) error {
		return h.transcripts.Exec(ctx, sessionID, func(ctx context.Context) error {
			sg, changed, err := h.suggestions.MarkSuggestionUsed(ctx, sessionID, suggestionID, h.now().UTC())
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrSuggestionNotFound, suggestionID)
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out = sg
			mu.Unlock()
			if changed {
				h.broadcast(sessionID, protocol.SuggestionUsedFrame(sessionID, suggestionID))
			}
			return nil
		})
	})
	mu.Lock()
	defer mu.Unlock()
	return out, err
}

// persist runs fn with retries, each attempt guarded by the breaker. Errors
// that retrying cannot fix are returned as they are.
func (h *Hub) persist(ctx context.Context, sessionID, eventID string, fn func(ctx context.Context) error) error {
	err := resilience.Retry(ctx, h.retry, func(ctx context.Context) error {
		err := h.breaker.Execute(ctx, fn)
		if err != nil && !transient(err) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err == nil || !transient(err) {
		return err
	}

	if h.metrics != nil {
		h.metrics.PersistenceFailures.Add(ctx, 1)
	}
	slog.Error("persistence failed, session degraded",
		"session_id", sessionID,
		"event_id", eventID,
		"error", err,
	)
	h.broadcast(sessionID, protocol.DegradedFrame(sessionID, "live transcript persistence is failing; updates may be delayed"))
	return &PersistenceError{SessionID: sessionID, EventID: eventID, Err: err}
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Disconnect(c)
	}
}

// transient reports whether err may go away on retry.
func transient(err error) bool {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, transcript.ErrClosed),
		errors.Is(err, ErrSuggestionNotFound),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// IsPersistenceFailure reports whether err indicates an unhealthy backend.
// Caller mistakes and open-breaker rejections do not count.
func IsPersistenceFailure(err error) bool {
	return transient(err) && !errors.Is(err, resilience.ErrCircuitOpen)
}
