// Package replay serves ordered transcript snapshots to connections that
// join or rejoin a session.
//
// A snapshot and the registration for live events run as one step of the
// session actor, so the first live event a connection receives is always
// strictly after everything in its history.
package replay

import (
	"context"
	"fmt"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Snapshotter reads the canonical transcript inside the session actor.
// [transcript.Consolidator] implements it.
type Snapshotter interface {
	Snapshot(ctx context.Context, sessionID string, onSnapshot func([]types.Entry)) ([]types.Entry, error)
}

// SessionGetter looks up sessions. [session.Registry] implements it.
type SessionGetter interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// Service replays session history.
type Service struct {
	transcripts Snapshotter
	sessions    SessionGetter
}

// New creates a [Service].
func New(transcripts Snapshotter, sessions SessionGetter) *Service {
	return &Service{transcripts: transcripts, sessions: sessions}
}

// Join returns the full ordered history of the session. register, when
// non-nil, is called with the same history inside the session actor; it
// must enrol the caller for live events and must not wait on other events
// of the session.
//
// Joining is allowed in every session state, terminal ones included.
func (s *Service) Join(ctx context.Context, sessionID string, register func(history []types.Entry)) ([]types.Entry, error) {
	ctx, span := observe.StartSessionSpan(ctx, "replay.join", sessionID)
	defer span.End()

	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("replay: join %s: %w", sessionID, err)
	}
	history, err := s.transcripts.Snapshot(ctx, sessionID, register)
	if err != nil {
		return nil, observe.Fail(span, fmt.Errorf("replay: snapshot %s: %w", sessionID, err))
	}
	span.SetAttributes(observe.EntriesKey.Int(len(history)))
	observe.Logger(ctx).Debug("history replayed", "entries", len(history))
	return history, nil
}

// History returns the session's ordered transcript for polling clients.
func (s *Service) History(ctx context.Context, sessionID string) ([]types.Entry, error) {
	return s.Join(ctx, sessionID, nil)
}
