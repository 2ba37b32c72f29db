package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/consultscribe/internal/finalize"
	"github.com/MrWong99/consultscribe/internal/realtime"
	"github.com/MrWong99/consultscribe/internal/replay"
	"github.com/MrWong99/consultscribe/internal/resilience"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/internal/transcript"
	"github.com/MrWong99/consultscribe/pkg/store/mock"
	"github.com/MrWong99/consultscribe/pkg/types"
)

type fixture struct {
	srv   *httptest.Server
	store *mock.Store
	cons  *transcript.Consolidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := mock.New()
	reg := session.NewRegistry(session.RegistryConfig{Store: st})
	cons := transcript.New(transcript.Config{Store: st, Sessions: reg, Salvage: true})
	t.Cleanup(cons.Close)
	rp := replay.New(cons, reg)

	hub := realtime.New(realtime.Config{
		Transcripts: cons,
		Replay:      rp,
		Sessions:    reg,
		Suggestions: st,
		Retry:       resilience.RetryConfig{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Breaker:     resilience.CircuitBreakerConfig{MaxFailures: 50},
	})
	t.Cleanup(hub.Close)

	h := New(Config{
		Sessions:    reg,
		Events:      hub,
		Finalizer:   finalize.New(finalize.Config{Sessions: reg, Transcripts: cons, Suggestions: st}),
		Transcripts: rp,
		Tombstones:  cons,
		WS:          http.HandlerFunc(hub.ServeWS),
	})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, cons: cons}
}

// do sends body (marshalled unless it is already a string) and decodes the
// response into out when out is non-nil.
func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) recording(t *testing.T, id string) {
	t.Helper()
	if code := f.do(t, "POST", "/v1/sessions", map[string]any{"id": id, "consent": true}, nil); code != http.StatusCreated {
		t.Fatalf("create %s: status %d", id, code)
	}
	if code := f.do(t, "POST", "/v1/sessions/"+id+"/transition", map[string]string{"state": "recording"}, nil); code != http.StatusOK {
		t.Fatalf("start %s: status %d", id, code)
	}
}

func utteranceBody(id, text string) map[string]any {
	return map[string]any{"id": id, "speaker": "clinician", "text": text, "confidence": 0.9, "final": true}
}

func TestSessions_Lifecycle(t *testing.T) {
	f := newFixture(t)

	var created sessionView
	code := f.do(t, "POST", "/v1/sessions", map[string]any{
		"id":           "S1",
		"participants": []map[string]string{{"id": "dr-1", "role": "clinician"}},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.ID != "S1" || created.State != session.StateCreated || len(created.Participants) != 1 {
		t.Errorf("created = %+v", created)
	}

	var anon sessionView
	if code := f.do(t, "POST", "/v1/sessions", map[string]any{"consent": true}, &anon); code != http.StatusCreated || anon.ID == "" {
		t.Errorf("create without id: status %d, id %q", code, anon.ID)
	}

	var eb errorBody
	if code := f.do(t, "POST", "/v1/sessions", map[string]any{"id": "S1"}, &eb); code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", code)
	}

	// S1 has no consent, so it cannot start recording.
	if code := f.do(t, "POST", "/v1/sessions/S1/transition", map[string]string{"state": "recording"}, &eb); code != http.StatusConflict {
		t.Errorf("recording without consent status = %d, want 409", code)
	}
	if code := f.do(t, "POST", "/v1/sessions/S1/transition", map[string]string{"state": "paused"}, &eb); code != http.StatusBadRequest {
		t.Errorf("unknown state status = %d, want 400", code)
	}
	if code := f.do(t, "POST", "/v1/sessions/S1/archive", nil, &eb); code != http.StatusConflict {
		t.Errorf("archive live session status = %d, want 409", code)
	}

	var cancelled sessionView
	if code := f.do(t, "POST", "/v1/sessions/S1/transition", map[string]string{"state": "cancelled"}, &cancelled); code != http.StatusOK {
		t.Fatalf("cancel status = %d", code)
	}
	if cancelled.ClosedAt == nil {
		t.Error("cancelled session has no closed_at")
	}
	var archived sessionView
	if code := f.do(t, "POST", "/v1/sessions/S1/archive", nil, &archived); code != http.StatusOK || !archived.Archived {
		t.Errorf("archive: status %d, archived %v", code, archived.Archived)
	}

	var list struct {
		Sessions []sessionView `json:"sessions"`
	}
	if code := f.do(t, "GET", "/v1/sessions", nil, &list); code != http.StatusOK || len(list.Sessions) != 2 {
		t.Errorf("list: status %d, %d sessions", code, len(list.Sessions))
	}
	if code := f.do(t, "GET", "/v1/sessions/nope", nil, &eb); code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", code)
	}
}

func TestUtterances(t *testing.T) {
	f := newFixture(t)
	f.recording(t, "S1")

	var res utteranceResponse
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U1", "hello"), &res); code != http.StatusCreated {
		t.Fatalf("first submit status = %d", code)
	}
	if res.Position != 0 || res.Duplicate {
		t.Errorf("first = %+v", res)
	}
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U1", "hello"), &res); code != http.StatusOK || !res.Duplicate {
		t.Errorf("redelivery: status %d, %+v", code, res)
	}
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U2", "how are you"), &res); code != http.StatusCreated || res.Position != 1 {
		t.Errorf("second: status %d, %+v", code, res)
	}

	var tr struct {
		SessionID string        `json:"session_id"`
		Entries   []types.Entry `json:"entries"`
	}
	if code := f.do(t, "GET", "/v1/sessions/S1/transcript", nil, &tr); code != http.StatusOK {
		t.Fatalf("transcript status = %d", code)
	}
	if len(tr.Entries) != 2 || tr.Entries[0].UtteranceID != "U1" || tr.Entries[1].UtteranceID != "U2" {
		t.Errorf("transcript = %+v", tr.Entries)
	}
}

func TestUtterances_Rejected(t *testing.T) {
	f := newFixture(t)
	f.recording(t, "S1")
	if code := f.do(t, "POST", "/v1/sessions", map[string]any{"id": "S0", "consent": true}, nil); code != http.StatusCreated {
		t.Fatal("create S0")
	}

	mismatched := utteranceBody("U1", "hi")
	mismatched["session_id"] = "S2"

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"malformed", "/v1/sessions/S1/utterances", `{"id":`, http.StatusBadRequest},
		{"unknown field", "/v1/sessions/S1/utterances", `{"id":"U1","speaker":"clinician","text":"x","volume":3}`, http.StatusBadRequest},
		{"empty text", "/v1/sessions/S1/utterances", utteranceBody("U1", "  "), http.StatusBadRequest},
		{"session mismatch", "/v1/sessions/S1/utterances", mismatched, http.StatusBadRequest},
		{"unknown session", "/v1/sessions/S9/utterances", utteranceBody("U1", "hi"), http.StatusNotFound},
		{"not recording", "/v1/sessions/S0/utterances", utteranceBody("U1", "hi"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var eb errorBody
			if code := f.do(t, "POST", tt.path, tt.body, &eb); code != tt.want {
				t.Errorf("status = %d, want %d (%s)", code, tt.want, eb.Error)
			}
			if eb.Error == "" || eb.Retryable {
				t.Errorf("body = %+v", eb)
			}
		})
	}
}

func TestUtterances_PersistenceFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.recording(t, "S1")
	f.store.SetHook(func(method string) error {
		if method == "CreateRecord" {
			return errors.New("connection refused")
		}
		return nil
	})

	var eb errorBody
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U1", "hi"), &eb); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if !eb.Retryable {
		t.Error("persistence failure should be retryable")
	}

	f.store.SetHook(nil)
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U1", "hi"), nil); code != http.StatusCreated {
		t.Errorf("retry after recovery status = %d, want 201", code)
	}
}

func TestSuggestionsAndFinalize(t *testing.T) {
	f := newFixture(t)
	f.recording(t, "S1")

	for i := range 3 {
		body := map[string]any{"id": fmt.Sprintf("G%d", i), "category": "diagnosis", "priority": i, "confidence": 0.7, "text": "consider"}
		if code := f.do(t, "POST", "/v1/sessions/S1/suggestions", body, nil); code != http.StatusCreated {
			t.Fatalf("suggestion %d status = %d", i, code)
		}
	}
	var dup map[string]any
	if code := f.do(t, "POST", "/v1/sessions/S1/suggestions", map[string]any{"id": "G0", "category": "diagnosis"}, &dup); code != http.StatusOK || dup["duplicate"] != true {
		t.Errorf("resubmit: status %d, %v", code, dup)
	}

	var sg types.Suggestion
	if code := f.do(t, "POST", "/v1/sessions/S1/suggestions/G1/used", nil, &sg); code != http.StatusOK || !sg.Used || sg.UsedAt == nil {
		t.Errorf("mark used: status %d, %+v", code, sg)
	}
	var eb errorBody
	if code := f.do(t, "POST", "/v1/sessions/S1/suggestions/G9/used", nil, &eb); code != http.StatusNotFound {
		t.Errorf("unknown suggestion status = %d, want 404", code)
	}

	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U1", "hi"), nil); code != http.StatusCreated {
		t.Fatal("utterance")
	}

	var sum types.Summary
	if code := f.do(t, "POST", "/v1/sessions/S1/finalize", nil, &sum); code != http.StatusOK {
		t.Fatalf("finalize status = %d", code)
	}
	if sum.Suggestions != (types.SuggestionUsage{Total: 3, Used: 1}) {
		t.Errorf("summary = %+v", sum)
	}
	var again types.Summary
	if code := f.do(t, "POST", "/v1/sessions/S1/finalize", nil, &again); code != http.StatusOK || again != sum {
		t.Errorf("second finalize: status %d, %+v", code, again)
	}

	var s sessionView
	f.do(t, "GET", "/v1/sessions/S1", nil, &s)
	if s.State != session.StateCompleted || s.Summary == nil || *s.Summary != sum {
		t.Errorf("session after finalize = %+v", s)
	}
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U2", "late"), &eb); code != http.StatusConflict {
		t.Errorf("utterance after finalize status = %d, want 409", code)
	}
	if code := f.do(t, "POST", "/v1/sessions/S9/finalize", nil, &eb); code != http.StatusNotFound {
		t.Errorf("finalize unknown status = %d, want 404", code)
	}
}

func TestTombstones(t *testing.T) {
	f := newFixture(t)
	f.recording(t, "S1")
	if code := f.do(t, "POST", "/v1/sessions/S1/utterances", utteranceBody("U1", "hi"), nil); code != http.StatusCreated {
		t.Fatal("utterance")
	}

	var out struct {
		SessionID  string          `json:"session_id"`
		Tombstones []tombstoneView `json:"tombstones"`
	}
	if code := f.do(t, "GET", "/v1/sessions/S1/tombstones", nil, &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.SessionID != "S1" || out.Tombstones == nil || len(out.Tombstones) != 0 {
		t.Errorf("tombstones = %+v", out)
	}

	var eb errorBody
	if code := f.do(t, "GET", "/v1/sessions/S9/tombstones", nil, &eb); code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", code)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"validation", &types.ValidationError{Field: "text", Reason: "empty"}, http.StatusBadRequest, false},
		{"not found", fmt.Errorf("wrap: %w", session.ErrNotFound), http.StatusNotFound, false},
		{"duplicate", session.ErrDuplicateSession, http.StatusConflict, false},
		{"transition", &session.InvalidTransitionError{SessionID: "S1", From: session.StateCompleted, To: session.StateRecording}, http.StatusConflict, false},
		{"closed", transcript.ErrSessionClosed, http.StatusConflict, false},
		{"degraded", &realtime.PersistenceError{SessionID: "S1", EventID: "U1", Err: errors.New("down")}, http.StatusServiceUnavailable, true},
		{"breaker", resilience.ErrCircuitOpen, http.StatusServiceUnavailable, true},
		{"shutting down", transcript.ErrClosed, http.StatusServiceUnavailable, false},
		{"finalize", &finalize.FinalizeError{SessionID: "S1", Retryable: true, Err: errors.New("freeze")}, http.StatusInternalServerError, true},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, true},
		{"other", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, retryable := classify(tt.err)
			if status != tt.status || retryable != tt.retryable {
				t.Errorf("classify(%v) = %d, %v; want %d, %v", tt.err, status, retryable, tt.status, tt.retryable)
			}
		})
	}
}
