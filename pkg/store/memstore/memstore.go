// Package memstore provides a thread-safe, in-memory implementation of
// [store.Store]. It is used when no database is configured and in tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is an in-memory [store.Store]. The zero value is not usable; call
// [New].
type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	seq         int64
	records     map[string]store.TranscriptRecord
	sessions    map[string]store.SessionRecord
	sessionSeq  map[string]int64
	suggestions map[string]map[string]types.Suggestion
	sugOrder    map[string][]string
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty [Store].
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		records:     make(map[string]store.TranscriptRecord),
		sessions:    make(map[string]store.SessionRecord),
		sessionSeq:  make(map[string]int64),
		suggestions: make(map[string]map[string]types.Suggestion),
		sugOrder:    make(map[string][]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateRecord implements [store.TranscriptStore].
func (s *Store) CreateRecord(_ context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return store.TranscriptRecord{}, store.ErrDuplicate
	}
	now := s.now()
	s.seq++
	rec = rec.Clone()
	rec.Seq = s.seq
	rec.Version = 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return rec.Clone(), nil
}

// UpdateRecord implements [store.TranscriptStore].
func (s *Store) UpdateRecord(_ context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return store.TranscriptRecord{}, store.ErrNotFound
	}
	if cur.Version != rec.Version {
		return store.TranscriptRecord{}, store.ErrVersionConflict
	}
	next := rec.Clone()
	next.SessionID = cur.SessionID
	next.Seq = cur.Seq
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	s.records[rec.ID] = next
	return next.Clone(), nil
}

// ListRecords implements [store.TranscriptStore].
func (s *Store) ListRecords(_ context.Context, sessionID string, statuses ...store.Status) ([]store.TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []store.TranscriptRecord{}
	for _, r := range s.records {
		if r.SessionID != sessionID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, r.Status) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[j].NewerThan(out[i]) })
	return out, nil
}

// CreateSession implements [store.SessionStore].
func (s *Store) CreateSession(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[rec.ID]; exists {
		return store.ErrDuplicate
	}
	s.seq++
	s.sessionSeq[rec.ID] = s.seq
	s.sessions[rec.ID] = cloneSession(rec)
	return nil
}

// SaveSession implements [store.SessionStore].
func (s *Store) SaveSession(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[rec.ID]; !exists {
		return store.ErrNotFound
	}
	s.sessions[rec.ID] = cloneSession(rec)
	return nil
}

// GetSession implements [store.SessionStore].
func (s *Store) GetSession(_ context.Context, id string) (store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return cloneSession(rec), nil
}

// ListSessions implements [store.SessionStore].
func (s *Store) ListSessions(_ context.Context) ([]store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, cloneSession(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.sessionSeq[out[i].ID] < s.sessionSeq[out[j].ID]
	})
	return out, nil
}

// SaveSuggestion implements [store.SuggestionStore].
func (s *Store) SaveSuggestion(_ context.Context, sg types.Suggestion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySession, ok := s.suggestions[sg.SessionID]
	if !ok {
		bySession = make(map[string]types.Suggestion)
		s.suggestions[sg.SessionID] = bySession
	}
	if _, exists := bySession[sg.ID]; exists {
		return false, nil
	}
	bySession[sg.ID] = sg
	s.sugOrder[sg.SessionID] = append(s.sugOrder[sg.SessionID], sg.ID)
	return true, nil
}

// MarkSuggestionUsed implements [store.SuggestionStore].
func (s *Store) MarkSuggestionUsed(_ context.Context, sessionID, suggestionID string, at time.Time) (types.Suggestion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.suggestions[sessionID][suggestionID]
	if !ok {
		return types.Suggestion{}, false, store.ErrNotFound
	}
	if sg.Used {
		return sg, false, nil
	}
	sg.Used = true
	sg.UsedAt = &at
	s.suggestions[sessionID][suggestionID] = sg
	return sg, true, nil
}

// SuggestionUsage implements [store.SuggestionStore].
func (s *Store) SuggestionUsage(_ context.Context, sessionID string) (types.SuggestionUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u types.SuggestionUsage
	for _, sg := range s.suggestions[sessionID] {
		u.Total++
		if sg.Used {
			u.Used++
		}
	}
	return u, nil
}

// ListSuggestions implements [store.SuggestionStore].
func (s *Store) ListSuggestions(_ context.Context, sessionID string) ([]types.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sugOrder[sessionID]
	out := make([]types.Suggestion, 0, len(ids))
	for _, id := range ids {
		sg := s.suggestions[sessionID][id]
		if sg.UsedAt != nil {
			t := *sg.UsedAt
			sg.UsedAt = &t
		}
		out = append(out, sg)
	}
	return out, nil
}

// Ping implements [store.Store]. The in-memory store is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store]. It is a no-op.
func (s *Store) Close() {}

func cloneSession(rec store.SessionRecord) store.SessionRecord {
	rec.Participants = slices.Clone(rec.Participants)
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		rec.StartedAt = &t
	}
	if rec.ClosedAt != nil {
		t := *rec.ClosedAt
		rec.ClosedAt = &t
	}
	if rec.Summary != nil {
		sum := *rec.Summary
		rec.Summary = &sum
	}
	return rec
}
