// Package mock provides a call-recording, fault-injecting test double for
// [store.Store].
//
// The mock delegates to an in-memory [memstore.Store] so that it behaves like
// a real backend, records every method call for assertion, and lets tests
// inject failures per method through [Store.Hook].
//
// Typical usage:
//
//	st := mock.New()
//	st.Hook = func(method string) error {
//	    if method == "UpdateRecord" {
//	        return errors.New("backend unavailable")
//	    }
//	    return nil
//	}
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("ListRecords"); got != 1 {
//	    t.Errorf("expected 1 ListRecords call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/store/memstore"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [store.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	// Backing receives every call that is not failed by Hook.
	Backing *memstore.Store

	// Hook, when non-nil, is invoked before each method with the method
	// name. A non-nil return aborts the call with that error.
	Hook func(method string) error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

var _ store.Store = (*Store)(nil)

// New returns a mock backed by a fresh in-memory store.
func New(opts ...memstore.Option) *Store {
	return &Store{Backing: memstore.New(opts...)}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Store) record(method string, args ...any) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	hook := m.Hook
	m.mu.Unlock()
	if hook != nil {
		return hook(method)
	}
	return nil
}

// SetHook replaces Hook under the mock's lock.
func (m *Store) SetHook(fn func(method string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hook = fn
}

// SetPingErr replaces PingErr under the mock's lock.
func (m *Store) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingErr = err
}

// CreateRecord implements [store.TranscriptStore].
func (m *Store) CreateRecord(ctx context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	if err := m.record("CreateRecord", rec); err != nil {
		return store.TranscriptRecord{}, err
	}
	return m.Backing.CreateRecord(ctx, rec)
}

// UpdateRecord implements [store.TranscriptStore].
func (m *Store) UpdateRecord(ctx context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	if err := m.record("UpdateRecord", rec); err != nil {
		return store.TranscriptRecord{}, err
	}
	return m.Backing.UpdateRecord(ctx, rec)
}

// ListRecords implements [store.TranscriptStore].
func (m *Store) ListRecords(ctx context.Context, sessionID string, statuses ...store.Status) ([]store.TranscriptRecord, error) {
	if err := m.record("ListRecords", sessionID, statuses); err != nil {
		return nil, err
	}
	return m.Backing.ListRecords(ctx, sessionID, statuses...)
}

// CreateSession implements [store.SessionStore].
func (m *Store) CreateSession(ctx context.Context, rec store.SessionRecord) error {
	if err := m.record("CreateSession", rec); err != nil {
		return err
	}
	return m.Backing.CreateSession(ctx, rec)
}

// SaveSession implements [store.SessionStore].
func (m *Store) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	if err := m.record("SaveSession", rec); err != nil {
		return err
	}
	return m.Backing.SaveSession(ctx, rec)
}

// GetSession implements [store.SessionStore].
func (m *Store) GetSession(ctx context.Context, id string) (store.SessionRecord, error) {
	if err := m.record("GetSession", id); err != nil {
		return store.SessionRecord{}, err
	}
	return m.Backing.GetSession(ctx, id)
}

// ListSessions implements [store.SessionStore].
func (m *Store) ListSessions(ctx context.Context) ([]store.SessionRecord, error) {
	if err := m.record("ListSessions"); err != nil {
		return nil, err
	}
	return m.Backing.ListSessions(ctx)
}

// SaveSuggestion implements [store.SuggestionStore].
func (m *Store) SaveSuggestion(ctx context.Context, s types.Suggestion) (bool, error) {
	if err := m.record("SaveSuggestion", s); err != nil {
		return false, err
	}
	return m.Backing.SaveSuggestion(ctx, s)
}

// MarkSuggestionUsed implements [store.SuggestionStore].
func (m *Store) MarkSuggestionUsed(ctx context.Context, sessionID, suggestionID string, at time.Time) (types.Suggestion, bool, error) {
	if err := m.record("MarkSuggestionUsed", sessionID, suggestionID, at); err != nil {
		return types.Suggestion{}, false, err
	}
	return m.Backing.MarkSuggestionUsed(ctx, sessionID, suggestionID, at)
}

// SuggestionUsage implements [store.SuggestionStore].
func (m *Store) SuggestionUsage(ctx context.Context, sessionID string) (types.SuggestionUsage, error) {
	if err := m.record("SuggestionUsage", sessionID); err != nil {
		return types.SuggestionUsage{}, err
	}
	return m.Backing.SuggestionUsage(ctx, sessionID)
}

// ListSuggestions implements [store.SuggestionStore].
func (m *Store) ListSuggestions(ctx context.Context, sessionID string) ([]types.Suggestion, error) {
	if err := m.record("ListSuggestions", sessionID); err != nil {
		return nil, err
	}
	return m.Backing.ListSuggestions(ctx, sessionID)
}

// Ping implements [store.Store].
func (m *Store) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [store.Store].
func (m *Store) Close() {}
