package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrWong99/consultscribe/internal/finalize"
	"github.com/MrWong99/consultscribe/internal/realtime"
	"github.com/MrWong99/consultscribe/internal/resilience"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/internal/transcript"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// classify maps an error to its HTTP status and whether the caller should
// retry the same request.
func classify(err error) (int, bool) {
	var (
		verr *types.ValidationError
		terr *session.InvalidTransitionError
		perr *realtime.PersistenceError
		ferr *finalize.FinalizeError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, false
	case errors.As(err, &terr):
		return http.StatusConflict, false
	case errors.Is(err, session.ErrNotFound), errors.Is(err, realtime.ErrSuggestionNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, session.ErrDuplicateSession),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrNotTerminal),
		errors.Is(err, session.ErrConsentRequired):
		return http.StatusConflict, false
	case errors.As(err, &perr), errors.Is(err, realtime.ErrSessionDegraded), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, transcript.ErrClosed):
		return http.StatusServiceUnavailable, false
	case errors.As(err, &ferr):
		return http.StatusInternalServerError, ferr.Retryable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	}
	return http.StatusInternalServerError, false
}

// writeError writes err as an [errorBody]. Server-side failures are logged;
// caller mistakes are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retryable := classify(err)
	if status >= http.StatusInternalServerError {
		logFailure(r, status, err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Retryable: retryable})
}
