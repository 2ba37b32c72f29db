package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/types"
)

// resolve returns the session's canonical record, restoring the
// single-completed-record invariant first if it is violated. found is false
// when the session has no completed record.
//
// With more than one completed record, the newest by creation time (ties
// broken by insertion sequence) is canonical. When salvage is enabled,
// entries present only in the losing records are appended to it, in loser
// creation order. The losers are then demoted to error status. Salvage runs
// before demotion so an interrupted reconciliation can always be repeated.
func (a *actor) resolve(ctx context.Context) (store.TranscriptRecord, bool, error) {
	recs, err := a.c.st.ListRecords(ctx, a.sessionID, store.StatusCompleted)
	if err != nil {
		return store.TranscriptRecord{}, false, fmt.Errorf("transcript: list records %s: %w", a.sessionID, err)
	}
	switch len(recs) {
	case 0:
		return store.TranscriptRecord{}, false, nil
	case 1:
		return recs[0], true, nil
	}

	ci := 0
	for i := range recs {
		if recs[i].NewerThan(recs[ci]) {
			ci = i
		}
	}
	canonical := recs[ci]
	losers := make([]store.TranscriptRecord, 0, len(recs)-1)
	for i, r := range recs {
		if i != ci {
			losers = append(losers, r)
		}
	}
	slices.SortFunc(losers, func(x, y store.TranscriptRecord) int {
		switch {
		case y.NewerThan(x):
			return -1
		case x.NewerThan(y):
			return 1
		}
		return 0
	})

	salvaged := 0
	if a.c.salvage {
		missing := missingEntries(canonical.Entries, losers)
		switch {
		case len(missing) == 0:
		case canonical.Frozen:
			slog.Warn("transcript salvage skipped, canonical record is frozen",
				"session_id", a.sessionID,
				"record_id", canonical.ID,
				"missing", len(missing),
			)
		default:
			next := canonical.Clone()
			next.Entries = append(next.Entries, missing...)
			if canonical, err = a.update(ctx, next); err != nil {
				return store.TranscriptRecord{}, false, err
			}
			salvaged = len(missing)
		}
	}

	now := a.c.now().UTC()
	for _, l := range losers {
		tomb := l.Clone()
		tomb.Status = store.StatusError
		tomb.DemotedAt = &now
		tomb.DemotedBy = canonical.ID
		if _, err := a.update(ctx, tomb); err != nil {
			return store.TranscriptRecord{}, false, err
		}
	}

	if a.c.metrics != nil {
		a.c.metrics.RecordReconciliation(ctx, a.sessionID, len(losers))
	}
	slog.Warn("transcript consistency conflict resolved",
		"session_id", a.sessionID,
		"canonical_id", canonical.ID,
		"demoted", len(losers),
		"salvaged", salvaged,
	)
	return canonical, true, nil
}

// missingEntries returns the entries of losers whose utterance ids are not
// in have, in loser order, without repeats.
func missingEntries(have []types.Entry, losers []store.TranscriptRecord) []types.Entry {
	seen := make(map[string]struct{}, len(have))
	for _, e := range have {
		seen[e.UtteranceID] = struct{}{}
	}
	var out []types.Entry
	for _, l := range losers {
		for _, e := range l.Entries {
			if _, ok := seen[e.UtteranceID]; ok {
				continue
			}
			seen[e.UtteranceID] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
