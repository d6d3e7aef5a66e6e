// Package storetest holds the behavioural suite every store.Store backend
// must pass. Backend test files call Run with a constructor for a fresh,
// empty store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
	"github.com/ianlintner/AI-Pipeline/request"
	"github.com/ianlintner/AI-Pipeline/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// NewRequest builds a Submitted request for bug report bugID.
func NewRequest(bugID string, now time.Time) *request.RequestState {
	return request.New(id.NewRequestID(), report.BugReport{
		ID:          bugID,
		Title:       "Crash on save",
		Description: "The editor crashes when saving a file.",
		Reporter:    "dev@example.com",
		CreatedAt:   now,
	}, now)
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateRejectsDuplicateID", func(t *testing.T) { testCreateDuplicateID(t, newStore(t)) })
	t.Run("CreateRejectsSecondActiveRequest", func(t *testing.T) { testCreateDuplicateReport(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("CASUpdate", func(t *testing.T) { testCASUpdate(t, newStore(t)) })
	t.Run("CASUpdateConflict", func(t *testing.T) { testCASConflict(t, newStore(t)) })
	t.Run("CASUpdateMutatorError", func(t *testing.T) { testCASMutatorError(t, newStore(t)) })
	t.Run("CASUpdateConcurrentWritersOneWins", func(t *testing.T) { testCASConcurrent(t, newStore(t)) })
	t.Run("Scan", func(t *testing.T) { testScan(t, newStore(t)) })
	t.Run("ExpireRequiresTerminal", func(t *testing.T) { testExpire(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	r := NewRequest("BUG-1", now)

	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Version != 1 {
		t.Errorf("Version after Create = %d, want 1", r.Version)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID.String() != r.ID.String() {
		t.Errorf("ID = %s, want %s", got.ID, r.ID)
	}
	if got.BugReportID != "BUG-1" || got.Report.Title != "Crash on save" {
		t.Errorf("report not persisted: %+v", got.Report)
	}
	if got.CurrentStage != request.StateSubmitted || got.Status != request.StatusSubmitted {
		t.Errorf("state = %s/%s", got.CurrentStage, got.Status)
	}
	if got.DispatchSeq != 1 || got.Version != 1 {
		t.Errorf("DispatchSeq=%d Version=%d", got.DispatchSeq, got.Version)
	}
	if !got.StageEnteredAt.Equal(now) {
		t.Errorf("StageEnteredAt = %v, want %v", got.StageEnteredAt, now)
	}
}

func testCreateDuplicateID(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRequest("BUG-1", time.Now().UTC())
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	again := r.Clone()
	again.BugReportID = "BUG-2"
	again.Report.ID = "BUG-2"
	if err := s.Create(ctx, again); !errors.Is(err, pipeline.ErrAlreadyExists) {
		t.Fatalf("second Create = %v, want ErrAlreadyExists", err)
	}
}

func testCreateDuplicateReport(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	first := NewRequest("BUG-7", now)
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, NewRequest("BUG-7", now)); !errors.Is(err, pipeline.ErrDuplicateRequest) {
		t.Fatalf("Create while active = %v, want ErrDuplicateRequest", err)
	}

	// Once the first request is terminal the report may be resubmitted.
	if _, err := s.CASUpdate(ctx, first.ID, first.Version, func(r *request.RequestState) error {
		return r.Fail(now, "operator cancelled")
	}); err != nil {
		t.Fatalf("CASUpdate: %v", err)
	}
	if err := s.Create(ctx, NewRequest("BUG-7", now)); err != nil {
		t.Fatalf("Create after terminal: %v", err)
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), id.NewRequestID())
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
	_, err = s.CASUpdate(context.Background(), id.NewRequestID(), 1, func(*request.RequestState) error { return nil })
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("CASUpdate = %v, want ErrNotFound", err)
	}
}

func testCASUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	r := NewRequest("BUG-1", now)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := message.StatusEvent{
		RequestID: r.ID,
		Stage:     message.StageTriage,
		Outcome:   message.OutcomeStarted,
		Sequence:  message.StartedSeq(1),
		Timestamp: now,
	}
	updated, err := s.CASUpdate(ctx, r.ID, 1, func(cur *request.RequestState) error {
		_, err := cur.Apply(ev, now)
		return err
	})
	if err != nil {
		t.Fatalf("CASUpdate: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("returned Version = %d, want 2", updated.Version)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 || got.CurrentStage != request.StateTriageInProgress {
		t.Errorf("stored = v%d %s", got.Version, got.CurrentStage)
	}
	if got.LastSeq[message.StageTriage] != 1 {
		t.Errorf("LastSeq[triage] = %d, want 1", got.LastSeq[message.StageTriage])
	}
	if got.Stages[message.StageTriage].Status != message.OutcomeStarted {
		t.Errorf("triage sub-status = %s", got.Stages[message.StageTriage].Status)
	}
}

func testCASConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRequest("BUG-1", time.Now().UTC())
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	called := false
	_, err := s.CASUpdate(ctx, r.ID, 5, func(*request.RequestState) error {
		called = true
		return nil
	})
	if !errors.Is(err, pipeline.ErrVersionConflict) {
		t.Fatalf("CASUpdate = %v, want ErrVersionConflict", err)
	}
	if called {
		t.Error("mutator ran despite version mismatch")
	}
}

func testCASMutatorError(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRequest("BUG-1", time.Now().UTC())
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	errAbort := errors.New("abort")
	_, err := s.CASUpdate(ctx, r.ID, 1, func(cur *request.RequestState) error {
		cur.ErrorMessage = "should not persist"
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("CASUpdate = %v, want mutator error", err)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 1 || got.ErrorMessage != "" {
		t.Errorf("aborted update was persisted: v%d %q", got.Version, got.ErrorMessage)
	}
}

func testCASConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRequest("BUG-1", time.Now().UTC())
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CASUpdate(ctx, r.ID, 1, func(cur *request.RequestState) error {
				cur.ErrorMessage = string(rune('a' + i))
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, pipeline.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, writers-1)
	}
}

func testScan(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	active := NewRequest("BUG-A", base)
	old := NewRequest("BUG-B", base.Add(-time.Hour))
	done := NewRequest("BUG-C", base)
	for _, r := range []*request.RequestState{active, old, done} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := s.CASUpdate(ctx, done.ID, 1, func(r *request.RequestState) error {
		return r.Fail(base, "boom")
	}); err != nil {
		t.Fatalf("CASUpdate: %v", err)
	}

	collect := func(f request.Filter) map[string]bool {
		out := make(map[string]bool)
		for r, err := range s.Scan(ctx, f) {
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			out[r.BugReportID] = true
		}
		return out
	}

	tests := []struct {
		name   string
		filter request.Filter
		want   []string
	}{
		{"zero filter is non-terminal", request.Filter{}, []string{"BUG-A", "BUG-B"}},
		{"include terminal", request.Filter{IncludeTerminal: true}, []string{"BUG-A", "BUG-B", "BUG-C"}},
		{"by status", request.Filter{Statuses: []request.Status{request.StatusFailed}}, []string{"BUG-C"}},
		{"by bug report", request.Filter{BugReportID: "BUG-B"}, []string{"BUG-B"}},
		{"entered before", request.Filter{EnteredBefore: base.Add(-time.Minute)}, []string{"BUG-B"}},
		{"by stage", request.Filter{Stages: []request.State{request.StateTriageInProgress}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for _, w := range tt.want {
				if !got[w] {
					t.Errorf("missing %s in %v", w, got)
				}
			}
		})
	}

	// Early break must not panic or block.
	for range s.Scan(ctx, request.Filter{IncludeTerminal: true}) {
		break
	}
}

func testExpire(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	r := NewRequest("BUG-1", now)
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Expire(ctx, r.ID, time.Hour); !errors.Is(err, pipeline.ErrNotTerminal) {
		t.Fatalf("Expire on active = %v, want ErrNotTerminal", err)
	}

	if _, err := s.CASUpdate(ctx, r.ID, 1, func(cur *request.RequestState) error {
		return cur.Fail(now, "boom")
	}); err != nil {
		t.Fatalf("CASUpdate: %v", err)
	}
	if err := s.Expire(ctx, r.ID, time.Hour); err != nil {
		t.Fatalf("Expire on terminal: %v", err)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get within TTL: %v", err)
	}
	if got.Status != request.StatusFailed {
		t.Errorf("Status = %s", got.Status)
	}

	if err := s.Expire(ctx, id.NewRequestID(), time.Hour); !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("Expire missing = %v, want ErrNotFound", err)
	}
}
