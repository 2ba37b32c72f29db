// Package api exposes the session, event and finalize operations over
// HTTP/JSON. Producers submit utterances and suggestions here; viewers
// connect to the websocket route.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/internal/transcript"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Sessions is the session registry surface used by the API.
type Sessions interface {
	Create(ctx context.Context, id string, md session.Metadata) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context) ([]session.Session, error)
	Transition(ctx context.Context, id string, target session.State) (session.Session, error)
	Archive(ctx context.Context, id string) (session.Session, error)
}

// Events accepts producer input and clinician actions.
type Events interface {
	SubmitUtterance(ctx context.Context, u types.Utterance) (transcript.AppendResult, error)
	SubmitSuggestion(ctx context.Context, s types.Suggestion) (bool, error)
	MarkUsed(ctx context.Context, sessionID, suggestionID string) (types.Suggestion, error)
}

// Finalizer closes a session and computes its summary.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID string) (types.Summary, error)
}

// Transcripts answers read queries on the canonical transcript.
type Transcripts interface {
	History(ctx context.Context, sessionID string) ([]types.Entry, error)
}

// Tombstones lists the records demoted by reconciliation.
type Tombstones interface {
	Tombstones(ctx context.Context, sessionID string) ([]store.TranscriptRecord, error)
}

// Config wires a [Handler]. WS may be nil, in which case /ws is not mounted.
type Config struct {
	Sessions    Sessions
	Events      Events
	Finalizer   Finalizer
	Transcripts Transcripts
	Tombstones  Tombstones
	WS          http.Handler
}

// Handler serves the HTTP API.
type Handler struct {
	sessions    Sessions
	events      Events
	finalizer   Finalizer
	transcripts Transcripts
	tombstones  Tombstones
	ws          http.Handler
}

// New creates a [Handler]. All dependencies except WS are required.
func New(cfg Config) *Handler {
	return &Handler{
		sessions:    cfg.Sessions,
		events:      cfg.Events,
		finalizer:   cfg.Finalizer,
		transcripts: cfg.Transcripts,
		tombstones:  cfg.Tombstones,
		ws:          cfg.WS,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.createSession)
	mux.HandleFunc("GET /v1/sessions", h.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /v1/sessions/{id}/transition", h.transition)
	mux.HandleFunc("POST /v1/sessions/{id}/archive", h.archive)
	mux.HandleFunc("POST /v1/sessions/{id}/utterances", h.submitUtterance)
	mux.HandleFunc("POST /v1/sessions/{id}/suggestions", h.submitSuggestion)
	mux.HandleFunc("POST /v1/sessions/{id}/suggestions/{sid}/used", h.markUsed)
	mux.HandleFunc("POST /v1/sessions/{id}/finalize", h.finalize)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", h.transcript)
	mux.HandleFunc("GET /v1/sessions/{id}/tombstones", h.listTombstones)
	if h.ws != nil {
		mux.Handle("GET /ws", h.ws)
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

type createSessionRequest struct {
	ID           string              `json:"id"`
	Participants []types.Participant `json:"participants"`
	Consent      bool                `json:"consent"`
}

// sessionView is the wire form of [session.Session].
type sessionView struct {
	ID           string              `json:"id"`
	State        session.State       `json:"state"`
	Participants []types.Participant `json:"participants"`
	Consent      bool                `json:"consent"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
	Archived     bool                `json:"archived"`
	Summary      *types.Summary      `json:"summary,omitempty"`
}

func viewOf(s session.Session) sessionView {
	p := s.Participants
	if p == nil {
		p = []types.Participant{}
	}
	return sessionView{
		ID:           s.ID,
		State:        s.State,
		Participants: p,
		Consent:      s.Consent,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		ClosedAt:     s.ClosedAt,
		Archived:     s.Archived,
		Summary:      s.Summary,
	}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	s, err := h.sessions.Create(r.Context(), req.ID, session.Metadata{
		Participants: req.Participants,
		Consent:      req.Consent,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(s))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	all, err := h.sessions.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(all))
	for _, s := range all {
		out = append(out, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State session.State `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.State.IsValid() {
		writeError(w, r, &types.ValidationError{Field: "state", Reason: fmt.Sprintf("%q is not a session state", req.State)})
		return
	}
	s, err := h.sessions.Transition(r.Context(), r.PathValue("id"), req.State)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

// ─── Events ─────────────────────────────────────────────────────────────────

type utteranceResponse struct {
	UtteranceID string `json:"utterance_id"`
	Position    int    `json:"position"`
	Duplicate   bool   `json:"duplicate"`
}

func (h *Handler) submitUtterance(w http.ResponseWriter, r *http.Request) {
	var u types.Utterance
	if !decode(w, r, &u) {
		return
	}
	if !bindSession(w, r, &u.SessionID) {
		return
	}
	res, err := h.events.SubmitUtterance(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, utteranceResponse{
		UtteranceID: u.ID,
		Position:    res.Position,
		Duplicate:   res.Duplicate,
	})
}

func (h *Handler) submitSuggestion(w http.ResponseWriter, r *http.Request) {
	var s types.Suggestion
	if !decode(w, r, &s) {
		return
	}
	if !bindSession(w, r, &s.SessionID) {
		return
	}
	// Usage is tracked by the ledger, never by the producer.
	s.Used, s.UsedAt = false, nil

	created, err := h.events.SubmitSuggestion(r.Context(), s)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"suggestion_id": s.ID, "duplicate": !created})
}

func (h *Handler) markUsed(w http.ResponseWriter, r *http.Request) {
	sg, err := h.events.MarkUsed(r.Context(), r.PathValue("id"), r.PathValue("sid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// ─── Finalize and reads ─────────────────────────────────────────────────────

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	sum, err := h.finalizer.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) transcript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := h.transcripts.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

type tombstoneView struct {
	RecordID  string        `json:"record_id"`
	Entries   []types.Entry `json:"entries"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	DemotedAt *time.Time    `json:"demoted_at,omitempty"`
	DemotedBy string        `json:"demoted_by,omitempty"`
}

func (h *Handler) listTombstones(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := h.tombstones.Tombstones(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]tombstoneView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, tombstoneView{
			RecordID:  rec.ID,
			Entries:   rec.Entries,
			Version:   rec.Version,
			CreatedAt: rec.CreatedAt,
			DemotedAt: rec.DemotedAt,
			DemotedBy: rec.DemotedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "tombstones": out})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decode reads a JSON body into v, rejecting unknown fields. An empty body
// leaves v untouched. On failure it writes a 400 and returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, &types.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

// bindSession fills *field from the path, rejecting a body that names a
// different session.
func bindSession(w http.ResponseWriter, r *http.Request, field *string) bool {
	id := r.PathValue("id")
	if *field != "" && *field != id {
		writeError(w, r, &types.ValidationError{Field: "session_id", Reason: "does not match the request path"})
		return false
	}
	*field = id
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// logFailure records a server-side failure against the request's trace.
func logFailure(r *http.Request, status int, err error) {
	observe.Logger(r.Context()).Warn("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err,
	)
}
