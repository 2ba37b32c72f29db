package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/consultscribe/internal/session"
	"github.com/MrWong99/consultscribe/internal/transcript"
	"github.com/MrWong99/consultscribe/pkg/store"
	"github.com/MrWong99/consultscribe/pkg/store/mock"
	"github.com/MrWong99/consultscribe/pkg/types"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	orch  *Orchestrator
	reg   *session.Registry
	cons  *transcript.Consolidator
	store *mock.Store
	clock *manualClock
}

// newFixture creates session S3 that started recording five seconds after
// creation, then advances the clock by five minutes.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &manualClock{t: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)}
	st := mock.New()
	reg := session.NewRegistry(session.RegistryConfig{Store: st, Clock: clk.Now})
	cons := transcript.New(transcript.Config{Store: st, Sessions: reg, Clock: clk.Now})
	t.Cleanup(cons.Close)

	ctx := context.Background()
	if _, err := reg.Create(ctx, "S3", session.Metadata{Consent: true}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Second)
	if _, err := reg.Transition(ctx, "S3", session.StateRecording); err != nil {
		t.Fatal(err)
	}
	u := types.Utterance{ID: "U1", SessionID: "S3", Speaker: types.SpeakerClinician, Text: "how are you feeling", Final: true}
	if _, err := cons.Append(ctx, u, nil); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"G1", "G2", "G3"} {
		if _, err := st.SaveSuggestion(ctx, types.Suggestion{ID: id, SessionID: "S3", Category: "followup"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := st.MarkSuggestionUsed(ctx, "S3", "G2", clk.Now()); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Minute)

	return &fixture{
		orch:  New(Config{Sessions: reg, Transcripts: cons, Suggestions: st, Clock: clk.Now}),
		reg:   reg,
		cons:  cons,
		store: st,
		clock: clk,
	}
}

func TestFinalize_Summary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sum, err := f.orch.Finalize(ctx, "S3")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := types.Summary{DurationSeconds: 300, Suggestions: types.SuggestionUsage{Total: 3, Used: 1}}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	s, err := f.reg.Get(ctx, "S3")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != session.StateCompleted || s.Summary == nil || *s.Summary != want {
		t.Errorf("session = %s with summary %v", s.State, s.Summary)
	}
	if s.ClosedAt == nil || !s.ClosedAt.Equal(f.clock.Now()) {
		t.Errorf("ClosedAt = %v, want %v", s.ClosedAt, f.clock.Now())
	}

	recs, err := f.store.ListRecords(ctx, "S3", store.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || !recs[0].Frozen {
		t.Errorf("canonical record not frozen: %+v", recs)
	}
}

func TestFinalize_DurationFallsBackToCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.reg.Create(ctx, "S4", session.Metadata{}); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(42 * time.Second)

	sum, err := f.orch.Finalize(ctx, "S4")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if sum.DurationSeconds != 42 || sum.Suggestions.Total != 0 {
		t.Errorf("summary = %+v, want 42s and no suggestions", sum)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Finalize(ctx, "S3")
	if err != nil {
		t.Fatal(err)
	}
	saves := f.store.CallCount("SaveSession")
	freezes := f.store.CallCount("UpdateRecord")

	// Later ledger changes must not alter the stored summary.
	f.clock.Advance(time.Hour)
	if _, _, err := f.store.MarkSuggestionUsed(ctx, "S3", "G1", f.clock.Now()); err != nil {
		t.Fatal(err)
	}

	second, err := f.orch.Finalize(ctx, "S3")
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if first != second {
		t.Errorf("second = %+v, want %+v", second, first)
	}
	if got := f.store.CallCount("SaveSession"); got != saves {
		t.Errorf("SaveSession calls grew by %d", got-saves)
	}
	if got := f.store.CallCount("UpdateRecord"); got != freezes {
		t.Errorf("UpdateRecord calls grew by %d", got-freezes)
	}
}

// Two tabs finalize at the same moment: both get the same numbers and the
// session completes once.
func TestFinalize_ConcurrentCallsCompleteOnce(t *testing.T) {
	f := newFixture(t)
	saves := f.store.CallCount("SaveSession")

	var (
		wg      sync.WaitGroup
		results [2]types.Summary
		errs    [2]error
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.orch.Finalize(context.Background(), "S3")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Errorf("results differ: %+v vs %+v", results[0], results[1])
	}
	if got := f.store.CallCount("SaveSession") - saves; got != 1 {
		t.Errorf("session saved %d times, want 1", got)
	}
}

func TestFinalize_RetryReusesSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.SetHook(func(method string) error {
		if method == "SaveSession" {
			return errors.New("write timeout")
		}
		return nil
	})
	_, err := f.orch.Finalize(ctx, "S3")
	var ferr *FinalizeError
	if !errors.As(err, &ferr) || !ferr.Retryable || ferr.SessionID != "S3" {
		t.Fatalf("err = %v, want retryable FinalizeError", err)
	}
	if s, _ := f.reg.Get(ctx, "S3"); s.State != session.StateRecording {
		t.Fatalf("state = %s after failed finalize, want recording", s.State)
	}

	f.store.SetHook(nil)
	f.clock.Advance(time.Minute)
	if _, err := f.store.SaveSuggestion(ctx, types.Suggestion{ID: "G4", SessionID: "S3", Category: "late"}); err != nil {
		t.Fatal(err)
	}

	sum, err := f.orch.Finalize(ctx, "S3")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	want := types.Summary{DurationSeconds: 300, Suggestions: types.SuggestionUsage{Total: 3, Used: 1}}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
}

func TestFinalize_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Finalize(ctx, "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("unknown: err = %v, want ErrNotFound", err)
	}
	var verr *types.ValidationError
	if _, err := f.orch.Finalize(ctx, "bad id!"); !errors.As(err, &verr) {
		t.Errorf("bad id: err = %v, want ValidationError", err)
	}

	if _, err := f.reg.Transition(ctx, "S3", session.StateCancelled); err != nil {
		t.Fatal(err)
	}
	var terr *session.InvalidTransitionError
	if _, err := f.orch.Finalize(ctx, "S3"); !errors.As(err, &terr) {
		t.Fatalf("cancelled: err = %v, want InvalidTransitionError", err)
	}
	if terr.From != session.StateCancelled || terr.To != session.StateCompleted {
		t.Errorf("transition error = %+v", terr)
	}
}

func TestFinalize_CallerContextOnlyBoundsWait(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.orch.Finalize(ctx, "S3"); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	// Whether or not the caller waited, a later call sees one consistent result.
	sum, err := f.orch.Finalize(context.Background(), "S3")
	if err != nil {
		t.Fatal(err)
	}
	if sum.DurationSeconds != 300 {
		t.Errorf("duration = %d, want 300", sum.DurationSeconds)
	}
}
