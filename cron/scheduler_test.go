package cron_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ianlintner/AI-Pipeline/cron"
)

// stubEmitter records EmitCronFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *stubEmitter) EmitCronFired(_ context.Context, entryName string) {
	e.mu.Lock()
	e.names = append(e.names, entryName)
	e.mu.Unlock()
}

func (e *stubEmitter) getNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

// runSpy counts entry runs.
type runSpy struct {
	n   atomic.Int32
	err error
}

func (r *runSpy) Fn() cron.Func {
	return func(context.Context) error {
		r.n.Add(1)
		return r.err
	}
}

func newTestScheduler(t *testing.T) (*cron.Scheduler, *stubEmitter) {
	t.Helper()
	emitter := &stubEmitter{}
	sched := cron.NewScheduler(emitter, nil, cron.WithTickInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
	return sched, emitter
}

func waitRuns(t *testing.T, spy *runSpy, n int32) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for spy.n.Load() < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d runs, got %d", n, spy.n.Load())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestScheduler_FiresOnSchedule(t *testing.T) {
	sched, emitter := newTestScheduler(t)
	spy := &runSpy{}

	if err := sched.Register(cron.Definition{Name: "timeout-sweep", Schedule: "@every 1s", Run: spy.Fn()}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitRuns(t, spy, 1)
	if err := sched.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	names := emitter.getNames()
	if len(names) == 0 || names[0] != "timeout-sweep" {
		t.Errorf("emitted %v, want timeout-sweep", names)
	}

	entries := sched.Entries()
	if len(entries) != 1 || entries[0].Runs < 1 || entries[0].LastRunAt == nil {
		t.Errorf("entries = %+v", entries)
	}
	if !entries[0].NextRunAt.After(*entries[0].LastRunAt) {
		t.Error("NextRunAt should move past LastRunAt")
	}
}

func TestScheduler_SkipsDisabled(t *testing.T) {
	sched, _ := newTestScheduler(t)
	spy := &runSpy{}

	_ = sched.Register(cron.Definition{Name: "retention-purge", Schedule: "@every 1s", Run: spy.Fn()})
	if !sched.SetEnabled("retention-purge", false) {
		t.Fatal("SetEnabled reported a missing entry")
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(1300 * time.Millisecond)
	if n := spy.n.Load(); n != 0 {
		t.Errorf("disabled entry ran %d times", n)
	}
}

func TestScheduler_RecordsRunError(t *testing.T) {
	sched, emitter := newTestScheduler(t)
	spy := &runSpy{err: errors.New("store unavailable")}
	_ = sched.Register(cron.Definition{Name: "timeout-sweep", Schedule: "@every 1h", Run: spy.Fn()})

	err := sched.RunNow(context.Background(), "timeout-sweep")
	if err == nil || err.Error() != "store unavailable" {
		t.Fatalf("RunNow = %v", err)
	}
	if e := sched.Entries()[0]; e.LastError != "store unavailable" || e.Runs != 1 {
		t.Errorf("entry = %+v", e)
	}
	if len(emitter.getNames()) != 1 {
		t.Error("hook should fire for failed runs too")
	}
}

func TestScheduler_RunNowUnknown(t *testing.T) {
	sched, _ := newTestScheduler(t)
	if err := sched.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

func TestScheduler_DoesNotOverlapRuns(t *testing.T) {
	sched, _ := newTestScheduler(t)

	var active, peak atomic.Int32
	release := make(chan struct{})
	run := func(context.Context) error {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		active.Add(-1)
		return nil
	}
	_ = sched.Register(cron.Definition{Name: "slow", Schedule: "@every 1s", Run: run})
	_ = sched.Start(context.Background())

	time.Sleep(2500 * time.Millisecond)
	close(release)
	_ = sched.Stop(context.Background())

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent runs = %d, want 1", p)
	}
}

func TestRegister_Validation(t *testing.T) {
	sched, _ := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		def  cron.Definition
	}{
		{"bad schedule", cron.Definition{Name: "x", Schedule: "not a schedule", Run: noop}},
		{"missing name", cron.Definition{Schedule: "@every 1s", Run: noop}},
		{"missing run", cron.Definition{Name: "x", Schedule: "@every 1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sched.Register(tt.def); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := cron.ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
}
