// Package store defines the persistence contracts used by consultscribe.
//
// Three record families are stored:
//
//   - Transcript records ([TranscriptStore]): the canonical, append-only
//     transcript artifact per session plus reconciliation tombstones.
//     Updates are compare-and-swap on [TranscriptRecord.Version] so that the
//     store can be shared safely across processes.
//   - Sessions ([SessionStore]): lifecycle state retained for audit.
//   - Suggestions ([SuggestionStore]): the ledger of relayed AI suggestions
//     and their usage.
//
// Implementations live in sub-packages (postgres, memstore). Every
// implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/MrWong99/consultscribe/pkg/types"
)

// Sentinel errors returned by all implementations.
var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when creating a record whose id already exists.
	ErrDuplicate = errors.New("store: duplicate id")

	// ErrVersionConflict is returned by compare-and-swap updates when the
	// stored version no longer matches the caller's copy.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Status is the lifecycle tag of a [TranscriptRecord].
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsValid reports whether s is a recognised record status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusError:
		return true
	}
	return false
}

// TranscriptRecord is one persisted transcript artifact.
//
// At most one record per session may carry [StatusCompleted]; records
// demoted during reconciliation keep their entries, carry [StatusError], and
// record when and in favour of which record they were demoted.
type TranscriptRecord struct {
	// ID is the record identity (a UUID string).
	ID string

	// SessionID is the owning session.
	SessionID string

	// Entries is the ordered transcript, serialised as one value.
	Entries []types.Entry

	// Status is the record's lifecycle tag.
	Status Status

	// Frozen marks the record immutable after finalize.
	Frozen bool

	// Version is the compare-and-swap counter. It is 1 after creation and
	// incremented by every successful update.
	Version int64

	// Seq is a store-assigned, strictly increasing creation sequence used to
	// break CreatedAt ties when choosing the most recently created record.
	Seq int64

	CreatedAt time.Time
	UpdatedAt time.Time

	// DemotedAt is set when the record became a tombstone.
	DemotedAt *time.Time

	// DemotedBy is the id of the canonical record that won reconciliation.
	DemotedBy string
}

// Clone returns a deep copy of r.
func (r TranscriptRecord) Clone() TranscriptRecord {
	r.Entries = slices.Clone(r.Entries)
	if r.DemotedAt != nil {
		t := *r.DemotedAt
		r.DemotedAt = &t
	}
	return r
}

// NewerThan reports whether r was created after other.
func (r TranscriptRecord) NewerThan(other TranscriptRecord) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.After(other.CreatedAt)
	}
	return r.Seq > other.Seq
}

// TranscriptStore persists transcript records.
type TranscriptStore interface {
	// CreateRecord inserts rec and returns the stored copy with Version, Seq,
	// and timestamps assigned. Returns [ErrDuplicate] if rec.ID exists.
	CreateRecord(ctx context.Context, rec TranscriptRecord) (TranscriptRecord, error)

	// UpdateRecord replaces the mutable fields of the record with id rec.ID
	// if and only if the stored version equals rec.Version. It returns the
	// stored copy with the new version, [ErrVersionConflict] on mismatch, or
	// [ErrNotFound].
	UpdateRecord(ctx context.Context, rec TranscriptRecord) (TranscriptRecord, error)

	// ListRecords returns the session's records ordered by creation (oldest
	// first). When statuses is non-empty only records with one of those
	// statuses are returned. A session without records yields an empty,
	// non-nil slice.
	ListRecords(ctx context.Context, sessionID string, statuses ...Status) ([]TranscriptRecord, error)
}

// SessionRecord is the persisted form of a consultation session.
type SessionRecord struct {
	ID           string
	State        string
	Participants []types.Participant
	Consent      bool
	CreatedAt    time.Time
	StartedAt    *time.Time
	ClosedAt     *time.Time
	Archived     bool
	Summary      *types.Summary
}

// SessionStore persists sessions. Sessions are never deleted.
type SessionStore interface {
	// CreateSession inserts rec. Returns [ErrDuplicate] if the id exists.
	CreateSession(ctx context.Context, rec SessionRecord) error

	// SaveSession overwrites the stored session with rec.
	// Returns [ErrNotFound] if the session was never created.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// GetSession returns the stored session or [ErrNotFound].
	GetSession(ctx context.Context, id string) (SessionRecord, error)

	// ListSessions returns all sessions ordered by creation time.
	ListSessions(ctx context.Context) ([]SessionRecord, error)
}

// SuggestionStore is the ledger of relayed suggestions.
type SuggestionStore interface {
	// SaveSuggestion records s. Saving an id that already exists is a no-op
	// that reports created=false.
	SaveSuggestion(ctx context.Context, s types.Suggestion) (created bool, err error)

	// MarkSuggestionUsed flags the suggestion as used at the given instant.
	// Marking an already-used suggestion returns it unchanged with
	// changed=false. Returns [ErrNotFound] for unknown ids.
	MarkSuggestionUsed(ctx context.Context, sessionID, suggestionID string, at time.Time) (s types.Suggestion, changed bool, err error)

	// SuggestionUsage counts the session's suggestions.
	SuggestionUsage(ctx context.Context, sessionID string) (types.SuggestionUsage, error)

	// ListSuggestions returns the session's suggestions in the order they
	// were first saved, with their current used flags. A session without
	// suggestions yields an empty, non-nil slice.
	ListSuggestions(ctx context.Context, sessionID string) ([]types.Suggestion, error)
}

// Store bundles every record family behind one backend.
type Store interface {
	TranscriptStore
	SessionStore
	SuggestionStore

	// Ping verifies that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
