package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/MrWong99/consultscribe/internal/observe"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

type msgKind int

const (
	msgAppend msgKind = iota
	msgSnapshot
	msgFreeze
	msgTombstones
	msgExec
)

func (k msgKind) String() string {
	switch k {
	case msgAppend:
		return "append"
	case msgSnapshot:
		return "snapshot"
	case msgFreeze:
		return "freeze"
	case msgTombstones:
		return "tombstones"
	case msgExec:
		return "exec"
	}
	return fmt.Sprintf("msgKind(%d)", int(k))
}

// message is one unit of work for a session actor. Only the fields relevant
// to kind are set.
type message struct {
	kind msgKind
	ctx  context.Context

	utt        types.Utterance
	onCommit   func(AppendResult)
	onSnapshot func([]types.Entry)
	fn         func(context.Context) error

	reply chan reply
}

type reply struct {
	append  AppendResult
	entries []types.Entry
	records []store.TranscriptRecord
	err     error
}

// errConflict signals a lost compare-and-swap inside one attempt.
var errConflict = errors.New("transcript: version conflict")

// actor serialises all operations for one session.
type actor struct {
	c         *Consolidator
	sessionID string

	inbox chan message
	stop  chan struct{} // closed by Consolidator.Close
	done  chan struct{} // closed when run returns

	// pending counts reserved or queued messages. It is incremented only
	// under Consolidator.mu.
	pending atomic.Int64
}

func newActor(c *Consolidator, sessionID string) *actor {
	return &actor{
		c:         c,
		sessionID: sessionID,
		inbox:     make(chan message, c.queueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (a *actor) run() {
	defer a.c.actorExited(a)
	defer close(a.done)

	idle := time.NewTimer(a.c.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case m := <-a.inbox:
			a.handle(m)
			idle.Reset(a.c.idleTimeout)
		case <-idle.C:
			if a.c.retire(a) {
				return
			}
			idle.Reset(a.c.idleTimeout)
		case <-a.stop:
			for {
				select {
				case m := <-a.inbox:
					a.handle(m)
				default:
					return
				}
			}
		}
	}
}

func (a *actor) handle(m message) {
	a.pending.Add(-1)

	var r reply
	switch m.kind {
	case msgAppend:
		r.append, r.err = a.append(m.ctx, m.utt, m.onCommit)
	case msgSnapshot:
		var rec store.TranscriptRecord
		var found bool
		rec, found, r.err = a.canonical(m.ctx)
		if r.err == nil {
			r.entries = entriesOf(rec, found)
			if m.onSnapshot != nil {
				a.safely("snapshot hook", func() { m.onSnapshot(slices.Clone(r.entries)) })
			}
		}
	case msgFreeze:
		r.entries, r.err = a.freeze(m.ctx)
	case msgTombstones:
		r.records, r.err = a.c.st.ListRecords(m.ctx, a.sessionID, store.StatusError)
		if r.err != nil {
			r.err = fmt.Errorf("transcript: list tombstones %s: %w", a.sessionID, r.err)
		}
	case msgExec:
		a.safely("exec", func() { r.err = m.fn(m.ctx) })
	}
	m.reply <- r
}

// safely runs fn, converting a panic into a logged error so one bad hook
// cannot take the session actor down.
func (a *actor) safely(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("session actor recovered from panic",
				"session_id", a.sessionID,
				"op", what,
				"panic", p,
			)
		}
	}()
	fn()
}

// append implements the per-utterance algorithm: resolve the canonical
// record, drop re-deliveries, then create or CAS-update.
func (a *actor) append(ctx context.Context, u types.Utterance, onCommit func(AppendResult)) (AppendResult, error) {
	ctx, span := observe.StartSessionSpan(ctx, "transcript.append", a.sessionID,
		observe.UtteranceIDKey.String(u.ID),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if a.c.metrics != nil {
			a.c.metrics.AppendDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	entry := u.Entry()
	for attempt := 0; attempt <= a.c.maxRetries; attempt++ {
		res, err := a.appendOnce(ctx, entry)
		if errors.Is(err, errConflict) {
			a.conflict(ctx, attempt)
			continue
		}
		if err != nil {
			return AppendResult{}, observe.Fail(span, err)
		}

		if a.c.metrics != nil {
			if res.Duplicate {
				a.c.metrics.DuplicatesDropped.Add(ctx, 1)
			} else {
				a.c.metrics.UtterancesAccepted.Add(ctx, 1)
			}
		}
		if res.Duplicate {
			slog.Debug("duplicate utterance dropped", "session_id", a.sessionID, "utterance_id", u.ID)
			return res, nil
		}
		if onCommit != nil {
			a.safely("commit hook", func() { onCommit(res) })
		}
		return res, nil
	}
	return AppendResult{}, a.c.casRetryErr(a.sessionID)
}

func (a *actor) appendOnce(ctx context.Context, entry types.Entry) (AppendResult, error) {
	rec, found, err := a.resolve(ctx)
	if err != nil {
		return AppendResult{}, err
	}

	res := AppendResult{SessionID: a.sessionID, Entry: entry}
	if !found {
		created, err := a.c.st.CreateRecord(ctx, store.TranscriptRecord{
			ID:        a.c.newID(),
			SessionID: a.sessionID,
			Entries:   []types.Entry{entry},
			Status:    store.StatusCompleted,
			CreatedAt: a.c.now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return AppendResult{}, errConflict
		}
		if err != nil {
			return AppendResult{}, fmt.Errorf("transcript: create record for %s: %w", a.sessionID, err)
		}
		res.RecordID, res.Version = created.ID, created.Version
		return res, nil
	}

	if rec.Frozen {
		return AppendResult{}, fmt.Errorf("transcript: session %s is frozen: %w", a.sessionID, ErrSessionClosed)
	}
	if i := indexOf(rec.Entries, entry.UtteranceID); i >= 0 {
		res.Duplicate = true
		res.Position = i
		res.Entry = rec.Entries[i]
		res.RecordID, res.Version = rec.ID, rec.Version
		return res, nil
	}

	next := rec.Clone()
	next.Entries = append(next.Entries, entry)
	updated, err := a.update(ctx, next)
	if err != nil {
		return AppendResult{}, err
	}
	res.Position = len(updated.Entries) - 1
	res.RecordID, res.Version = updated.ID, updated.Version
	return res, nil
}

// canonical resolves the canonical record, retrying lost CAS races.
func (a *actor) canonical(ctx context.Context) (store.TranscriptRecord, bool, error) {
	for attempt := 0; attempt <= a.c.maxRetries; attempt++ {
		rec, found, err := a.resolve(ctx)
		if errors.Is(err, errConflict) {
			a.conflict(ctx, attempt)
			continue
		}
		return rec, found, err
	}
	return store.TranscriptRecord{}, false, a.c.casRetryErr(a.sessionID)
}

func (a *actor) freeze(ctx context.Context) ([]types.Entry, error) {
	for attempt := 0; attempt <= a.c.maxRetries; attempt++ {
		entries, err := a.freezeOnce(ctx)
		if errors.Is(err, errConflict) {
			a.conflict(ctx, attempt)
			continue
		}
		return entries, err
	}
	return nil, a.c.casRetryErr(a.sessionID)
}

func (a *actor) freezeOnce(ctx context.Context) ([]types.Entry, error) {
	rec, found, err := a.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		_, err := a.c.st.CreateRecord(ctx, store.TranscriptRecord{
			ID:        a.c.newID(),
			SessionID: a.sessionID,
			Entries:   []types.Entry{},
			Status:    store.StatusCompleted,
			Frozen:    true,
			CreatedAt: a.c.now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errConflict
		}
		if err != nil {
			return nil, fmt.Errorf("transcript: create frozen record for %s: %w", a.sessionID, err)
		}
		slog.Info("transcript frozen", "session_id", a.sessionID, "entries", 0)
		return []types.Entry{}, nil
	}
	if rec.Frozen {
		return entriesOf(rec, true), nil
	}

	next := rec.Clone()
	next.Frozen = true
	updated, err := a.update(ctx, next)
	if err != nil {
		return nil, err
	}
	slog.Info("transcript frozen", "session_id", a.sessionID, "record_id", updated.ID, "entries", len(updated.Entries))
	return entriesOf(updated, true), nil
}

// update performs a CAS write of rec, mapping lost races to errConflict.
func (a *actor) update(ctx context.Context, rec store.TranscriptRecord) (store.TranscriptRecord, error) {
	rec.UpdatedAt = a.c.now().UTC()
	updated, err := a.c.st.UpdateRecord(ctx, rec)
	if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
		return store.TranscriptRecord{}, errConflict
	}
	if err != nil {
		return store.TranscriptRecord{}, fmt.Errorf("transcript: update record %s: %w", rec.ID, err)
	}
	return updated, nil
}

func (a *actor) conflict(ctx context.Context, attempt int) {
	if a.c.metrics != nil {
		a.c.metrics.CASConflicts.Add(ctx, 1)
	}
	slog.Debug("transcript version conflict, retrying",
		"session_id", a.sessionID,
		"attempt", attempt+1,
		"max_retries", a.c.maxRetries,
	)
}

func entriesOf(rec store.TranscriptRecord, found bool) []types.Entry {
	if !found || len(rec.Entries) == 0 {
		return []types.Entry{}
	}
	return slices.Clone(rec.Entries)
}

func indexOf(entries []types.Entry, utteranceID string) int {
	return slices.IndexFunc(entries, func(e types.Entry) bool { return e.UtteranceID == utteranceID })
}
