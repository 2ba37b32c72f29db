// Package finalize closes consultation sessions.
//
// Finalizing freezes the canonical transcript, computes the session summary
// (duration and suggestion usage) and moves the session to completed. It is
// safe to retry: once a session is completed, later calls return the stored
// summary without touching anything, and a summary computed by a call that
// failed part-way is reused by the next attempt. Concurrent calls for the
// same session share one execution.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// FinalizeError reports a finalize attempt that failed after validation.
// Retryable is true when calling Finalize again may succeed.
type FinalizeError struct {
	SessionID string
	Retryable bool
	Err       error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize: session %s: %v", e.SessionID, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// Sessions is the registry surface used by the orchestrator.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, error)
	Complete(ctx context.Context, id string, closedAt time.Time, summary types.Summary) (session.Session, error)
}

// Freezer freezes the canonical transcript. [transcript.Consolidator]
// implements it.
type Freezer interface {
	Freeze(ctx context.Context, sessionID string) ([]types.Entry, error)
}

// UsageCounter counts a session's suggestions. [store.SuggestionStore]
// implements it.
type UsageCounter interface {
	SuggestionUsage(ctx context.Context, sessionID string) (types.SuggestionUsage, error)
}

// Config configures an [Orchestrator].
type Config struct {
	Sessions    Sessions
	Transcripts Freezer
	Suggestions UsageCounter

	// Metrics receives finalize instrumentation. May be nil.
	Metrics *observe.Metrics

	// Clock overrides time.Now. May be nil.
	Clock func() time.Time
}

type pendingSummary struct {
	closedAt time.Time
	summary  types.Summary
}

// Orchestrator finalizes sessions.
type Orchestrator struct {
	sessions    Sessions
	transcripts Freezer
	suggestions UsageCounter
	metrics     *observe.Metrics
	now         func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	pending map[string]pendingSummary
}

// New creates an [Orchestrator].
func New(cfg Config) *Orchestrator {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		sessions:    cfg.Sessions,
		transcripts: cfg.Transcripts,
		suggestions: cfg.Suggestions,
		metrics:     cfg.Metrics,
		now:         now,
		pending:     make(map[string]pendingSummary),
	}
}

// Finalize completes the session and returns its summary.
//
// A completed session returns its stored summary. Any other terminal
// session fails with *[session.InvalidTransitionError]. Backend failures
// are reported as *[FinalizeError]. The work is not cancelled when ctx is;
// ctx only bounds how long the caller waits.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID string) (types.Summary, error) {
	if err := types.ValidateID("session id", sessionID); err != nil {
		return types.Summary{}, err
	}

	ch := o.group.DoChan(sessionID, func() (any, error) {
		return o.finalize(context.WithoutCancel(ctx), sessionID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Summary{}, res.Err
		}
		return res.Val.(types.Summary), nil
	case <-ctx.Done():
		return types.Summary{}, ctx.Err()
	}
}

func (o *Orchestrator) finalize(ctx context.Context, sessionID string) (types.Summary, error) {
	start := time.Now()
	ctx, span := observe.StartSessionSpan(ctx, "finalize", sessionID)
	defer span.End()
	log := observe.Logger(ctx)

	status := "error"
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordFinalization(ctx, status)
			o.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return types.Summary{}, err
		}
		observe.Fail(span, err)
		return types.Summary{}, &FinalizeError{SessionID: sessionID, Retryable: true, Err: err}
	}
	switch {
	case s.State == session.StateCompleted && s.Summary != nil:
		o.forget(sessionID)
		status = "cached"
		log.Debug("session already finalized")
		return *s.Summary, nil
	case s.State.IsTerminal():
		o.forget(sessionID)
		return types.Summary{}, &session.InvalidTransitionError{SessionID: sessionID, From: s.State, To: session.StateCompleted}
	}

	entries, err := o.transcripts.Freeze(ctx, sessionID)
	if err != nil {
		observe.Fail(span, err)
		return types.Summary{}, &FinalizeError{SessionID: sessionID, Retryable: true, Err: fmt.Errorf("freeze transcript: %w", err)}
	}

	p, err := o.summarise(ctx, s)
	if err != nil {
		observe.Fail(span, err)
		return types.Summary{}, &FinalizeError{SessionID: sessionID, Retryable: true, Err: err}
	}

	if _, err := o.sessions.Complete(ctx, sessionID, p.closedAt, p.summary); err != nil {
		observe.Fail(span, err)
		var terr *session.InvalidTransitionError
		if errors.As(err, &terr) {
			// Cancelled or failed concurrently.
			o.forget(sessionID)
			return types.Summary{}, err
		}
		return types.Summary{}, &FinalizeError{SessionID: sessionID, Retryable: true, Err: fmt.Errorf("complete session: %w", err)}
	}
	o.forget(sessionID)

	status = "ok"
	log.Info("session finalized",
		"duration_seconds", p.summary.DurationSeconds,
		"suggestions_total", p.summary.Suggestions.Total,
		"suggestions_used", p.summary.Suggestions.Used,
		"entries", len(entries),
	)
	return p.summary, nil
}

// summarise returns the session's summary, computing it on the first call
// and reusing it until the session completes.
func (o *Orchestrator) summarise(ctx context.Context, s session.Session) (pendingSummary, error) {
	o.mu.Lock()
	p, ok := o.pending[s.ID]
	o.mu.Unlock()
	if ok {
		return p, nil
	}

	usage, err := o.suggestions.SuggestionUsage(ctx, s.ID)
	if err != nil {
		return pendingSummary{}, fmt.Errorf("count suggestions: %w", err)
	}

	closedAt := o.now().UTC()
	started := s.CreatedAt
	if s.StartedAt != nil {
		started = *s.StartedAt
	}
	dur := closedAt.Sub(started)
	if dur < 0 {
		dur = 0
	}
	p = pendingSummary{
		closedAt: closedAt,
		summary: types.Summary{
			DurationSeconds: int64(dur / time.Second),
			Suggestions:     usage,
		},
	}

	o.mu.Lock()
	o.pending[s.ID] = p
	o.mu.Unlock()
	return p, nil
}

func (o *Orchestrator) forget(sessionID string) {
	o.mu.Lock()
	delete(o.pending, sessionID)
	o.mu.Unlock()
}
