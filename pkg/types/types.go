// Package types defines the shared value types used across all consultscribe
// packages.
//
// These types form the lingua franca between producers, the transcript
// consolidator, the realtime hub, and viewer clients. Each package defines its
// own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Speaker is the role of whoever produced an utterance.
type Speaker string

const (
	SpeakerClinician Speaker = "clinician"
	SpeakerPatient   Speaker = "patient"
	SpeakerSystem    Speaker = "system"
)

// IsValid reports whether s is a recognised speaker role.
func (s Speaker) IsValid() bool {
	switch s {
	case SpeakerClinician, SpeakerPatient, SpeakerSystem:
		return true
	}
	return false
}

// TimeRange is the offset of an utterance relative to session start, in
// milliseconds.
type TimeRange struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Utterance is one recognised speech fragment attributed to a speaker.
//
// Utterances are immutable once accepted. Producers deliver them at least
// once, so ID is the deduplication key everywhere in the system.
type Utterance struct {
	// ID uniquely identifies the utterance across all deliveries.
	ID string `json:"id"`

	// SessionID is the consultation session the utterance belongs to.
	SessionID string `json:"session_id"`

	// Speaker is the role of the person (or system) speaking.
	Speaker Speaker `json:"speaker"`

	// Text is the recognised content.
	Text string `json:"text"`

	// Confidence is the recogniser's confidence in the range [0, 1].
	Confidence float64 `json:"confidence"`

	// Range holds the utterance's offsets within the session audio.
	Range TimeRange `json:"range"`

	// Final marks an authoritative (non-interim) recognition result.
	Final bool `json:"final"`
}

// Entry returns the simplified transcript form of u.
func (u Utterance) Entry() Entry {
	return Entry{UtteranceID: u.ID, Speaker: u.Speaker, Text: u.Text}
}

// Validate checks u for the local rejection rules. The returned error is
// always a *ValidationError.
func (u Utterance) Validate() error {
	if err := ValidateID("session_id", u.SessionID); err != nil {
		return err
	}
	if err := ValidateID("utterance id", u.ID); err != nil {
		return err
	}
	if strings.TrimSpace(u.Text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if !u.Speaker.IsValid() {
		return &ValidationError{Field: "speaker", Reason: fmt.Sprintf("%q is not one of clinician, patient, system", u.Speaker)}
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%.3f is out of range [0, 1]", u.Confidence)}
	}
	if u.Range.EndMs < u.Range.StartMs {
		return &ValidationError{Field: "range", Reason: "end precedes start"}
	}
	return nil
}

// Entry is one simplified line of the canonical transcript.
type Entry struct {
	UtteranceID string  `json:"utterance_id"`
	Speaker     Speaker `json:"speaker"`
	Text        string  `json:"text"`
}

// Suggestion is an AI-derived hint relayed to clinicians during a session.
// The core never computes suggestions; it only records and forwards them.
type Suggestion struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Category   string     `json:"category"`
	Priority   int        `json:"priority"`
	Confidence float64    `json:"confidence"`
	Text       string     `json:"text"`
	Used       bool       `json:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
}

// Validate checks s for the local rejection rules.
func (s Suggestion) Validate() error {
	if err := ValidateID("session_id", s.SessionID); err != nil {
		return err
	}
	if err := ValidateID("suggestion id", s.ID); err != nil {
		return err
	}
	if strings.TrimSpace(s.Category) == "" {
		return &ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("%.3f is out of range [0, 1]", s.Confidence)}
	}
	return nil
}

// SuggestionUsage counts the suggestions relayed in a session.
type SuggestionUsage struct {
	Total int `json:"total"`
	Used  int `json:"used"`
}

// Summary is the result of finalizing a session.
type Summary struct {
	DurationSeconds int64           `json:"duration_seconds"`
	Suggestions     SuggestionUsage `json:"suggestions"`
}

// Participant is a person attached to a session.
type Participant struct {
	ID   string  `json:"id"`
	Role Speaker `json:"role"`
}

// idPattern matches identifiers accepted by the system: 1–128 characters of
// letters, digits, dot, underscore, colon, or hyphen.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidateID returns a *ValidationError when id is not a well-formed
// identifier. field names the offending field in the error message.
func ValidateID(field, id string) error {
	if !idPattern.MatchString(id) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a valid identifier", id)}
	}
	return nil
}

// ValidationError reports input that is rejected locally and never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}
