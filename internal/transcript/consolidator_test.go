package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/store/mock"
	"github.com/MrWong99/consultscribe/pkg/types"
)

func utt(session, id, text string) types.Utterance {
	return types.Utterance{
		ID:         id,
		SessionID:  session,
		Speaker:    types.SpeakerClinician,
		Text:       text,
		Confidence: 0.9,
		Final:      true,
	}
}

func newTestConsolidator(t *testing.T, st store.TranscriptStore, salvage bool) *Consolidator {
	t.Helper()
	c := New(Config{Store: st, Salvage: salvage, IdleTimeout: time.Minute})
	t.Cleanup(c.Close)
	return c
}

func ids(entries []types.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UtteranceID
	}
	return out
}

func TestAppend_CreatesThenAppends(t *testing.T) {
	st := mock.New()
	c := newTestConsolidator(t, st, true)
	ctx := context.Background()

	r1, err := c.Append(ctx, utt("S1", "u1", "Good morning."), nil)
	if err != nil {
		t.Fatalf("Append u1: %v", err)
	}
	if r1.Position != 0 || r1.Version != 1 || r1.Duplicate {
		t.Errorf("r1 = %+v", r1)
	}
	r2, err := c.Append(ctx, utt("S1", "u2", "What brings you in?"), nil)
	if err != nil {
		t.Fatalf("Append u2: %v", err)
	}
	if r2.Position != 1 || r2.RecordID != r1.RecordID || r2.Version != 2 {
		t.Errorf("r2 = %+v", r2)
	}

	got, err := c.Canonical(ctx, "S1")
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if fmt.Sprint(ids(got)) != "[u1 u2]" {
		t.Errorf("canonical = %v", ids(got))
	}
	if n := st.CallCount("CreateRecord"); n != 1 {
		t.Errorf("CreateRecord calls = %d, want 1", n)
	}
}

func TestAppend_DuplicateDropped(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	ctx := context.Background()

	var hooks atomic.Int32
	hook := func(AppendResult) { hooks.Add(1) }

	if _, err := c.Append(ctx, utt("S1", "u1", "hello"), hook); err != nil {
		t.Fatal(err)
	}
	res, err := c.Append(ctx, utt("S1", "u1", "hello"), hook)
	if err != nil {
		t.Fatalf("re-delivery: %v", err)
	}
	if !res.Duplicate || res.Position != 0 {
		t.Errorf("res = %+v, want duplicate at 0", res)
	}
	if hooks.Load() != 1 {
		t.Errorf("commit hook ran %d times, want 1", hooks.Load())
	}
	got, _ := c.Canonical(ctx, "S1")
	if len(got) != 1 {
		t.Errorf("canonical len = %d, want 1", len(got))
	}
}

func TestAppend_Validation(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	var verr *types.ValidationError

	u := utt("S1", "u1", "")
	if _, err := c.Append(context.Background(), u, nil); !errors.As(err, &verr) {
		t.Errorf("empty text err = %v, want ValidationError", err)
	}
	u = utt("S 1", "u1", "text")
	if _, err := c.Append(context.Background(), u, nil); !errors.As(err, &verr) {
		t.Errorf("bad session id err = %v, want ValidationError", err)
	}
	if c.ActiveSessions() != 0 {
		t.Error("invalid input spawned an actor")
	}
}

type validatorFunc func(ctx context.Context, id string) error

func (f validatorFunc) AcceptsEvents(ctx context.Context, id string) error { return f(ctx, id) }

func TestAppend_SessionValidator(t *testing.T) {
	c := New(Config{
		Store: mock.New(),
		Sessions: validatorFunc(func(_ context.Context, id string) error {
			if id == "closed" {
				return session.ErrClosed
			}
			return nil
		}),
	})
	defer c.Close()

	if _, err := c.Append(context.Background(), utt("closed", "u1", "x"), nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
	if _, err := c.Append(context.Background(), utt("open", "u1", "x"), nil); err != nil {
		t.Errorf("open session: %v", err)
	}
}

// Property: N utterances submitted concurrently by several producers, with
// every utterance delivered twice, yield exactly N distinct entries with each
// producer's order preserved.
func TestAppend_ConcurrentProducersZeroLossZeroDup(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	ctx := context.Background()

	const producers, perProducer = 4, 25
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				u := utt("S1", fmt.Sprintf("p%d-%02d", p, i), fmt.Sprintf("utterance %d from channel %d", i, p))
				for range 2 {
					if _, err := c.Append(ctx, u, nil); err != nil {
						t.Errorf("Append %s: %v", u.ID, err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	got, err := c.Canonical(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != producers*perProducer {
		t.Fatalf("canonical len = %d, want %d", len(got), producers*perProducer)
	}

	seen := map[string]bool{}
	last := map[int]int{}
	for _, e := range got {
		if seen[e.UtteranceID] {
			t.Fatalf("duplicate entry %s", e.UtteranceID)
		}
		seen[e.UtteranceID] = true

		var p, i int
		if _, err := fmt.Sscanf(e.UtteranceID, "p%d-%d", &p, &i); err != nil {
			t.Fatalf("parse %q: %v", e.UtteranceID, err)
		}
		if prev, ok := last[p]; ok && i <= prev {
			t.Errorf("producer %d out of order: %d after %d", p, i, prev)
		}
		last[p] = i
	}
}

func TestAppend_CommitHookOrder(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := range 20 {
		_, err := c.Append(ctx, utt("S1", fmt.Sprintf("u%d", i), "x"), func(r AppendResult) {
			mu.Lock()
			order = append(order, r.Position)
			mu.Unlock()
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	for i, pos := range order {
		if pos != i {
			t.Fatalf("hook order = %v", order)
		}
	}
}

// firstListsBarrier makes the first two ListRecords calls wait for each
// other so that two appenders both observe an empty session, the way two
// processes sharing a database can.
func firstListsBarrier(st *mock.Store) {
	var (
		arrived sync.WaitGroup
		n       atomic.Int32
	)
	arrived.Add(2)
	st.SetHook(func(method string) error {
		if method == "ListRecords" && n.Add(1) <= 2 {
			arrived.Done()
			arrived.Wait()
		}
		return nil
	})
}

func raceFirstUtterance(t *testing.T, salvage bool) (*Consolidator, *mock.Store) {
	t.Helper()
	st := mock.New()
	firstListsBarrier(st)

	// Two consolidators over one store stand in for two server processes.
	a := newTestConsolidator(t, st, salvage)
	b := newTestConsolidator(t, st, salvage)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, c := range []*Consolidator{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := utt("S1", fmt.Sprintf("first-%d", i), fmt.Sprintf("channel %d speaking", i))
			if _, err := c.Append(ctx, u, nil); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	completed, _ := st.Backing.ListRecords(ctx, "S1", store.StatusCompleted)
	if len(completed) != 2 {
		t.Fatalf("setup: completed records = %d, want 2 after the race", len(completed))
	}
	return a, st
}

func TestReconcile_RaceWithoutSalvage(t *testing.T) {
	c, st := raceFirstUtterance(t, false)
	ctx := context.Background()

	if _, err := c.Append(ctx, utt("S1", "follow-up", "Any allergies?"), nil); err != nil {
		t.Fatalf("follow-up Append: %v", err)
	}

	completed, _ := st.Backing.ListRecords(ctx, "S1", store.StatusCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed records = %d, want 1", len(completed))
	}
	canonical := completed[0]
	if len(canonical.Entries) != 2 || canonical.Entries[1].UtteranceID != "follow-up" {
		t.Errorf("canonical entries = %v", ids(canonical.Entries))
	}

	tombs, err := c.Tombstones(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tombs) != 1 {
		t.Fatalf("tombstones = %d, want 1", len(tombs))
	}
	tomb := tombs[0]
	if tomb.Status != store.StatusError || tomb.DemotedBy != canonical.ID || tomb.DemotedAt == nil {
		t.Errorf("tombstone audit fields = %+v", tomb)
	}
	if len(tomb.Entries) != 1 || tomb.Entries[0].UtteranceID == canonical.Entries[0].UtteranceID {
		t.Errorf("tombstone entries = %v, want the other first utterance", ids(tomb.Entries))
	}
	if !canonical.NewerThan(tomb) {
		t.Error("canonical record is not the most recently created")
	}

	if total := len(canonical.Entries) + len(tomb.Entries); total != 3 {
		t.Errorf("total entries = %d, want 3", total)
	}
}

func TestReconcile_RaceWithSalvage(t *testing.T) {
	c, st := raceFirstUtterance(t, true)
	ctx := context.Background()

	if _, err := c.Append(ctx, utt("S1", "follow-up", "Any allergies?"), nil); err != nil {
		t.Fatalf("follow-up Append: %v", err)
	}

	completed, _ := st.Backing.ListRecords(ctx, "S1", store.StatusCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed records = %d, want 1", len(completed))
	}
	got := ids(completed[0].Entries)
	if len(got) != 3 || got[2] != "follow-up" {
		t.Fatalf("canonical entries = %v, want both first utterances then follow-up", got)
	}
	if got[0] == got[1] {
		t.Errorf("salvage duplicated an entry: %v", got)
	}

	tombs, _ := c.Tombstones(ctx, "S1")
	if len(tombs) != 1 || len(tombs[0].Entries) != 1 {
		t.Errorf("tombstones = %+v, want one record keeping its entry", tombs)
	}
}

func TestReconcile_OnRead(t *testing.T) {
	st := mock.New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		_, err := st.Backing.CreateRecord(ctx, store.TranscriptRecord{
			ID:        id,
			SessionID: "S1",
			Status:    store.StatusCompleted,
			Entries:   []types.Entry{{UtteranceID: "u-" + id, Speaker: types.SpeakerPatient, Text: id}},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	c := newTestConsolidator(t, st, true)
	got, err := c.Canonical(ctx, "S1")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids(got)) != "[u-new u-old]" {
		t.Errorf("canonical = %v, want [u-new u-old]", ids(got))
	}
	tombs, _ := c.Tombstones(ctx, "S1")
	if len(tombs) != 1 || tombs[0].ID != "old" || tombs[0].DemotedBy != "new" {
		t.Errorf("tombstones = %+v", tombs)
	}
}

func TestFreeze(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	ctx := context.Background()

	c.Append(ctx, utt("S1", "u1", "one"), nil)
	frozen, err := c.Freeze(ctx, "S1")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if len(frozen) != 1 {
		t.Errorf("frozen entries = %d, want 1", len(frozen))
	}

	if _, err := c.Append(ctx, utt("S1", "u2", "two"), nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("append after freeze err = %v, want ErrSessionClosed", err)
	}
	again, err := c.Freeze(ctx, "S1")
	if err != nil || len(again) != 1 {
		t.Errorf("second Freeze = %v, %v", again, err)
	}
}

func TestFreeze_EmptySession(t *testing.T) {
	st := mock.New()
	c := newTestConsolidator(t, st, true)
	ctx := context.Background()

	got, err := c.Freeze(ctx, "S9")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("entries = %v, want empty non-nil", got)
	}
	recs, _ := st.Backing.ListRecords(ctx, "S9", store.StatusCompleted)
	if len(recs) != 1 || !recs[0].Frozen {
		t.Errorf("records = %+v, want one frozen completed record", recs)
	}
	if _, err := c.Append(ctx, utt("S9", "u1", "late"), nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestCanonical_EmptySession(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	got, err := c.Canonical(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("canonical = %v, want empty non-nil", got)
	}
}

func TestAppend_ConflictRetriesExhausted(t *testing.T) {
	st := mock.New()
	c := New(Config{Store: st, MaxCASRetries: 2})
	defer c.Close()
	ctx := context.Background()

	c.Append(ctx, utt("S1", "u1", "one"), nil)
	st.SetHook(func(method string) error {
		if method == "UpdateRecord" {
			return store.ErrVersionConflict
		}
		return nil
	})
	if _, err := c.Append(ctx, utt("S1", "u2", "two"), nil); !errors.Is(err, ErrTooManyConflicts) {
		t.Fatalf("err = %v, want ErrTooManyConflicts", err)
	}
	if n := st.CallCount("UpdateRecord"); n != 3 {
		t.Errorf("UpdateRecord attempts = %d, want 3", n)
	}
}

func TestAppend_StoreErrorSurfaced(t *testing.T) {
	st := mock.New()
	c := newTestConsolidator(t, st, true)
	boom := errors.New("connection reset")
	st.SetHook(func(method string) error {
		if method == "CreateRecord" {
			return boom
		}
		return nil
	})
	if _, err := c.Append(context.Background(), utt("S1", "u1", "x"), nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped store error", err)
	}
}

func TestSnapshotHookAndExecOrdering(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	ctx := context.Background()

	var events []string
	record := func(s string) { events = append(events, s) }

	c.Append(ctx, utt("S1", "u1", "one"), func(AppendResult) { record("commit u1") })
	c.Snapshot(ctx, "S1", func(e []types.Entry) { record(fmt.Sprintf("snapshot %d", len(e))) })
	c.Exec(ctx, "S1", func(context.Context) error { record("exec"); return nil })
	c.Append(ctx, utt("S1", "u2", "two"), func(AppendResult) { record("commit u2") })

	want := "[commit u1 snapshot 1 exec commit u2]"
	if fmt.Sprint(events) != want {
		t.Errorf("events = %v, want %s", events, want)
	}

	boom := errors.New("boom")
	if err := c.Exec(ctx, "S1", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Exec err = %v", err)
	}
}

func TestHookPanicDoesNotKillActor(t *testing.T) {
	c := newTestConsolidator(t, mock.New(), true)
	ctx := context.Background()

	if _, err := c.Append(ctx, utt("S1", "u1", "one"), func(AppendResult) { panic("bad hook") }); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := c.Append(ctx, utt("S1", "u2", "two"), nil); err != nil {
		t.Fatalf("actor unusable after hook panic: %v", err)
	}
}

func TestIdleActorRetiresAndRespawns(t *testing.T) {
	st := mock.New()
	c := New(Config{Store: st, IdleTimeout: 10 * time.Millisecond})
	defer c.Close()
	ctx := context.Background()

	c.Append(ctx, utt("S1", "u1", "one"), nil)

	deadline := time.Now().Add(2 * time.Second)
	for c.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle actor did not retire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.Append(ctx, utt("S1", "u2", "two"), nil); err != nil {
		t.Fatalf("Append after respawn: %v", err)
	}
	got, _ := c.Canonical(ctx, "S1")
	if fmt.Sprint(ids(got)) != "[u1 u2]" {
		t.Errorf("canonical = %v, want state reloaded from store", ids(got))
	}
}

func TestClose(t *testing.T) {
	c := New(Config{Store: mock.New()})
	ctx := context.Background()
	c.Append(ctx, utt("S1", "u1", "one"), nil)

	c.Close()
	c.Close()

	if _, err := c.Append(ctx, utt("S1", "u2", "two"), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if c.ActiveSessions() != 0 {
		t.Errorf("active = %d after Close", c.ActiveSessions())
	}
}

func TestClose_ReservedSenderDoesNotHang(t *testing.T) {
	for range 50 {
		c := New(Config{Store: mock.New()})
		a, err := c.acquire("S1")
		if err != nil {
			t.Fatal(err)
		}
		c.Close()

		done := make(chan error, 1)
		go func() {
			_, err := deliver(context.Background(), a, message{kind: msgExec, fn: func(context.Context) error { return nil }})
			done <- err
		}()
		select {
		case err := <-done:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("err = %v, want ErrClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("sender reserved before Close is still waiting")
		}
	}
}
