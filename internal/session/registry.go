// Package session owns consultation session identity and lifecycle state.
//
// The [Registry] is the only writer of session state. Sessions move through
// the states defined in state.go by one-way transitions; a session is never
// deleted, only archived once it is terminal.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Metadata holds the caller-supplied attributes of a new session.
type Metadata struct {
	Participants []types.Participant
	Consent      bool
}

// Session is a snapshot of a consultation session.
type Session struct {
	ID           string
	State        State
	Participants []types.Participant
	Consent      bool
	CreatedAt    time.Time

	// StartedAt is set the first time the session enters recording.
	StartedAt *time.Time

	// ClosedAt is set when the session reaches a terminal state.
	ClosedAt *time.Time

	Archived bool

	// Summary is attached when the session is completed by finalize.
	Summary *types.Summary
}

// entry guards one session. ok is false while a Create is in flight or after
// it failed.
type entry struct {
	mu sync.Mutex
	s  Session
	ok bool
}

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Store persists sessions. May be nil for a purely in-memory registry.
	Store store.SessionStore

	// Clock overrides time.Now. May be nil.
	Clock func() time.Time
}

// Registry tracks sessions and enforces lifecycle transitions.
//
// Each session has its own lock, so transitions on one session never wait
// for persistence of another. All methods are safe for concurrent use.
type Registry struct {
	store store.SessionStore
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry creates a [Registry].
func NewRegistry(cfg RegistryConfig) *Registry {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:    cfg.Store,
		now:      now,
		sessions: make(map[string]*entry),
	}
}

// Create registers a new session in [StateCreated].
// It fails with [ErrDuplicateSession] if the id already exists.
func (r *Registry) Create(ctx context.Context, id string, md Metadata) (Session, error) {
	if err := types.ValidateID("session id", id); err != nil {
		return Session{}, err
	}
	for i, p := range md.Participants {
		if err := types.ValidateID(fmt.Sprintf("participants[%d].id", i), p.ID); err != nil {
			return Session{}, err
		}
		if !p.Role.IsValid() {
			return Session{}, &types.ValidationError{Field: fmt.Sprintf("participants[%d].role", i), Reason: fmt.Sprintf("%q is not a valid role", p.Role)}
		}
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return Session{}, ErrDuplicateSession
	}
	e := &entry{}
	e.mu.Lock()
	r.sessions[id] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	s := Session{
		ID:           id,
		State:        StateCreated,
		Participants: slices.Clone(md.Participants),
		Consent:      md.Consent,
		CreatedAt:    r.now().UTC(),
	}

	if r.store != nil {
		if err := r.store.CreateSession(ctx, toRecord(s)); err != nil {
			r.mu.Lock()
			delete(r.sessions, id)
			r.mu.Unlock()
			if errors.Is(err, store.ErrDuplicate) {
				return Session{}, ErrDuplicateSession
			}
			return Session{}, fmt.Errorf("session: create %s: %w", id, err)
		}
	}

	e.s = s
	e.ok = true
	slog.Info("session created", "session_id", id, "participants", len(s.Participants), "consent", s.Consent)
	return cloneSession(s), nil
}

// Get returns the current snapshot of the session or [ErrNotFound].
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(e.s), nil
}

// List returns snapshots of all sessions known to the backing store (or to
// the registry when no store is configured), ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	if r.store != nil {
		recs, err := r.store.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: list: %w", err)
		}
		out := make([]Session, 0, len(recs))
		for _, rec := range recs {
			out = append(out, fromRecord(rec))
		}
		return out, nil
	}

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.ok {
			out = append(out, cloneSession(e.s))
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Transition moves the session to target. It fails with
// *[InvalidTransitionError] when target is not a valid successor of the
// current state. Concurrent attempts are serialised on the session: the
// first valid one wins and the others observe the new state and fail.
func (r *Registry) Transition(ctx context.Context, id string, target State) (Session, error) {
	return r.mutate(ctx, id, func(cur Session) (Session, error) {
		if !CanTransition(cur.State, target) {
			return Session{}, &InvalidTransitionError{SessionID: id, From: cur.State, To: target}
		}
		if target == StateRecording && !cur.Consent {
			return Session{}, ErrConsentRequired
		}
		next := cur
		next.State = target
		now := r.now().UTC()
		if target == StateRecording && next.StartedAt == nil {
			next.StartedAt = &now
		}
		if target.IsTerminal() {
			next.ClosedAt = &now
		}
		return next, nil
	})
}

// Complete advances a non-terminal session along the forward chain to
// [StateCompleted] in one atomic step, stamping closedAt and attaching the
// finalize summary.
func (r *Registry) Complete(ctx context.Context, id string, closedAt time.Time, summary types.Summary) (Session, error) {
	return r.mutate(ctx, id, func(cur Session) (Session, error) {
		if cur.State.IsTerminal() {
			return Session{}, &InvalidTransitionError{SessionID: id, From: cur.State, To: StateCompleted}
		}
		next := cur
		next.State = StateCompleted
		closed := closedAt.UTC()
		// Completing straight from created passes through recording.
		if next.StartedAt == nil && slices.Contains(pathToCompleted(cur.State), StateRecording) {
			next.StartedAt = &closed
		}
		next.ClosedAt = &closed
		next.Summary = &summary
		return next, nil
	})
}

// Archive flags a terminal session as archived. Archiving is idempotent.
func (r *Registry) Archive(ctx context.Context, id string) (Session, error) {
	return r.mutate(ctx, id, func(cur Session) (Session, error) {
		if !cur.State.IsTerminal() {
			return Session{}, ErrNotTerminal
		}
		next := cur
		next.Archived = true
		return next, nil
	})
}

// AcceptsEvents reports whether utterances and suggestions may currently be
// added to the session. It returns [ErrNotFound], [ErrNotRecording] for a
// session that has not started recording, or [ErrClosed] for a terminal one.
func (r *Registry) AcceptsEvents(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case s.State.IsTerminal():
		return fmt.Errorf("session %s is %s: %w", id, s.State, ErrClosed)
	case s.State == StateCreated:
		return fmt.Errorf("session %s: %w", id, ErrNotRecording)
	}
	return nil
}

// mutate applies fn to the session under its lock and persists the result
// before publishing it. A persistence failure leaves the session unchanged.
func (r *Registry) mutate(ctx context.Context, id string, fn func(Session) (Session, error)) (Session, error) {
	e, err := r.lookup(ctx, id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ok {
		return Session{}, ErrNotFound
	}

	next, err := fn(cloneSession(e.s))
	if err != nil {
		return Session{}, err
	}
	if r.store != nil {
		if err := r.store.SaveSession(ctx, toRecord(next)); err != nil {
			return Session{}, fmt.Errorf("session: save %s: %w", id, err)
		}
	}

	if next.State != e.s.State {
		slog.Info("session transition", "session_id", id, "from", e.s.State, "to", next.State)
	}
	e.s = next
	return cloneSession(next), nil
}

// lookup returns the entry for id, loading it from the store on a miss.
func (r *Registry) lookup(ctx context.Context, id string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		return e, nil
	}
	if r.store == nil {
		return nil, ErrNotFound
	}

	rec, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e, nil
	}
	e = &entry{s: fromRecord(rec), ok: true}
	r.sessions[id] = e
	return e, nil
}

func cloneSession(s Session) Session {
	s.Participants = slices.Clone(s.Participants)
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		s.ClosedAt = &t
	}
	if s.Summary != nil {
		sum := *s.Summary
		s.Summary = &sum
	}
	return s
}

func toRecord(s Session) store.SessionRecord {
	s = cloneSession(s)
	return store.SessionRecord{
		ID:           s.ID,
		State:        string(s.State),
		Participants: s.Participants,
		Consent:      s.Consent,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		ClosedAt:     s.ClosedAt,
		Archived:     s.Archived,
		Summary:      s.Summary,
	}
}

func fromRecord(rec store.SessionRecord) Session {
	return cloneSession(Session{
		ID:           rec.ID,
		State:        State(rec.State),
		Participants: rec.Participants,
		Consent:      rec.Consent,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		ClosedAt:     rec.ClosedAt,
		Archived:     rec.Archived,
		Summary:      rec.Summary,
	})
}
