// Package protocol defines the JSON frames exchanged over the realtime
// websocket between the consultation server and viewer clients.
//
// Client frames: join, leave, mark_used. Server frames: history, update,
// suggestion_used, degraded, error. Every frame has a "type" discriminator;
// the remaining fields depend on it.
package protocol

import (
	"fmt"

	"github.com/coder/websocket"

	"github.com/MrWong99/consultscribe/pkg/types"
)

// StatusResync is the close status the server sends to a connection that
// lost frames to queue overflow. Clients reconnect and rejoin on it.
const StatusResync = websocket.StatusTryAgainLater

// FrameType discriminates frames.
type FrameType string

// Client → server.
const (
	TypeJoin     FrameType = "join"
	TypeLeave    FrameType = "leave"
	TypeMarkUsed FrameType = "mark_used"
)

// Server → client.
const (
	TypeHistory        FrameType = "history"
	TypeUpdate         FrameType = "update"
	TypeSuggestionUsed FrameType = "suggestion_used"
	TypeDegraded       FrameType = "degraded"
	TypeError          FrameType = "error"
)

// UpdateKind tells which payload an update frame carries.
type UpdateKind string

const (
	KindUtterance  UpdateKind = "utterance"
	KindSuggestion UpdateKind = "suggestion"
)

// Role is the role a connection joins a session with.
type Role string

const (
	RoleClinician Role = "clinician"
	RolePatient   Role = "patient"
	RoleObserver  Role = "observer"
	RoleProducer  Role = "producer"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleClinician, RolePatient, RoleObserver, RoleProducer:
		return true
	}
	return false
}

// Frame is one websocket message in either direction.
type Frame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// join
	Role Role `json:"role,omitempty"`

	// mark_used, suggestion_used
	SuggestionID string `json:"suggestion_id,omitempty"`

	// history
	History     []types.Entry      `json:"history,omitempty"`
	Suggestions []types.Suggestion `json:"suggestions,omitempty"`

	// update
	Kind       UpdateKind        `json:"kind,omitempty"`
	Utterance  *types.Utterance  `json:"utterance,omitempty"`
	Suggestion *types.Suggestion `json:"suggestion,omitempty"`

	// Position is the utterance's index in the canonical transcript.
	Position *int `json:"position,omitempty"`

	// degraded, error
	Message string `json:"message,omitempty"`
}

// Identity returns the deduplication key of an update frame: the utterance
// or suggestion id, prefixed by kind so the two id spaces cannot collide.
// Other frames return "".
func (f Frame) Identity() string {
	switch {
	case f.Type != TypeUpdate:
		return ""
	case f.Kind == KindUtterance && f.Utterance != nil:
		return "u:" + f.Utterance.ID
	case f.Kind == KindSuggestion && f.Suggestion != nil:
		return "s:" + f.Suggestion.ID
	}
	return ""
}

// EntryIdentity returns the deduplication key of a history entry, matching
// [Frame.Identity] for the utterance it came from.
func EntryIdentity(e types.Entry) string {
	return "u:" + e.UtteranceID
}

// Validate checks a client frame.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeJoin:
		if err := types.ValidateID("session_id", f.SessionID); err != nil {
			return err
		}
		if !f.Role.IsValid() {
			return &types.ValidationError{Field: "role", Reason: fmt.Sprintf("%q is not a valid role", f.Role)}
		}
	case TypeLeave:
	case TypeMarkUsed:
		return types.ValidateID("suggestion_id", f.SuggestionID)
	default:
		return &types.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a client frame", f.Type)}
	}
	return nil
}

// HistoryFrame builds a history snapshot frame from the canonical transcript
// and the suggestion ledger with its used flags. A nil history is sent as an
// empty list.
func HistoryFrame(sessionID string, history []types.Entry, suggestions []types.Suggestion) Frame {
	if history == nil {
		history = []types.Entry{}
	}
	return Frame{Type: TypeHistory, SessionID: sessionID, History: history, Suggestions: suggestions}
}

// SuggestionIdentity returns the deduplication key of a ledger suggestion,
// matching [Frame.Identity] for its update.
func SuggestionIdentity(s types.Suggestion) string {
	return "s:" + s.ID
}

// UtteranceFrame builds an utterance update.
func UtteranceFrame(u types.Utterance, position int) Frame {
	return Frame{Type: TypeUpdate, SessionID: u.SessionID, Kind: KindUtterance, Utterance: &u, Position: &position}
}

// SuggestionFrame builds a suggestion update.
func SuggestionFrame(s types.Suggestion) Frame {
	return Frame{Type: TypeUpdate, SessionID: s.SessionID, Kind: KindSuggestion, Suggestion: &s}
}

// SuggestionUsedFrame announces that a suggestion was marked used.
func SuggestionUsedFrame(sessionID, suggestionID string) Frame {
	return Frame{Type: TypeSuggestionUsed, SessionID: sessionID, SuggestionID: suggestionID}
}

// DegradedFrame tells viewers that live persistence is failing.
func DegradedFrame(sessionID, msg string) Frame {
	return Frame{Type: TypeDegraded, SessionID: sessionID, Message: msg}
}

// ErrorFrame reports a rejected client frame.
func ErrorFrame(msg string) Frame {
	return Frame{Type: TypeError, Message: msg}
}
