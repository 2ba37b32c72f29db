package session

import (
	"errors"
	"fmt"
)

// State is a consultation session's lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateRecording  State = "recording"
	StateProcessing State = "processing"

	// The validation stage is split into ordered sub-stages.
	StateValidationTranscript State = "validation_transcript"
	StateValidationClinical   State = "validation_clinical"
	StateValidationSignoff    State = "validation_signoff"

	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// forward maps each non-terminal state to its single forward successor.
var forward = map[State]State{
	StateCreated:              StateRecording,
	StateRecording:            StateProcessing,
	StateProcessing:           StateValidationTranscript,
	StateValidationTranscript: StateValidationClinical,
	StateValidationClinical:   StateValidationSignoff,
	StateValidationSignoff:    StateCompleted,
}

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	_, ok := forward[s]
	return ok || s.IsTerminal()
}

// IsTerminal reports whether s is one of completed, cancelled, or error.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateError:
		return true
	}
	return false
}

// CanTransition reports whether to is a valid successor of from.
// Cancelled and error are reachable from every non-terminal state; all other
// moves follow the forward chain. No state can be re-entered.
func CanTransition(from, to State) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if to == StateCancelled || to == StateError {
		return true
	}
	return forward[from] == to
}

// pathToCompleted returns the forward states from (exclusive) through
// completed (inclusive). from must be non-terminal.
func pathToCompleted(from State) []State {
	var path []State
	for s := forward[from]; s != ""; s = forward[s] {
		path = append(path, s)
		if s == StateCompleted {
			break
		}
	}
	return path
}

// Sentinel errors.
var (
	// ErrDuplicateSession is returned by [Registry.Create] when the id exists.
	ErrDuplicateSession = errors.New("session: duplicate session id")

	// ErrNotFound is returned when no session has the given id.
	ErrNotFound = errors.New("session: not found")

	// ErrConsentRequired is returned when entering recording without consent.
	ErrConsentRequired = errors.New("session: recording requires patient consent")

	// ErrClosed is returned for writes to a session in a terminal state or
	// with a frozen transcript.
	ErrClosed = errors.New("session: closed")

	// ErrNotRecording is returned for utterances submitted before the session
	// started recording.
	ErrNotRecording = errors.New("session: not recording")

	// ErrNotTerminal is returned when archiving a session that is still live.
	ErrNotTerminal = errors.New("session: not in a terminal state")
)

// InvalidTransitionError reports a rejected state transition.
type InvalidTransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session: %s: invalid transition %s -> %s", e.SessionID, e.From, e.To)
}
