package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ianlintner/AI-Pipeline/backoff"
	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/bus/memory"
	"github.com/ianlintner/AI-Pipeline/dlq"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
	"github.com/ianlintner/AI-Pipeline/stage"
	"github.com/ianlintner/AI-Pipeline/worker"
)

func newBus(t *testing.T) *memory.Bus {
	t.Helper()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func fastPolicy(n int) worker.RetryPolicy {
	return worker.RetryPolicy{MaxAttempts: n, Backoff: backoff.NewConstant(time.Millisecond)}
}

func newTask(s message.Stage, seq int64) *message.Task {
	return &message.Task{
		RequestID: id.NewRequestID(),
		Stage:     s,
		Sequence:  seq,
		Report: report.BugReport{
			ID:          "BUG-1",
			Title:       "Login crash",
			Description: "App crashes on login",
			Reporter:    "a@b.com",
		},
	}
}

func delivery(t *testing.T, task *message.Task) *bus.Delivery {
	t.Helper()
	data, err := message.Encode(task)
	if err != nil {
		t.Fatal(err)
	}
	return bus.NewDelivery(task.Stage.Topic(), task.RequestID.String(), "d-1", data, 1,
		func(context.Context) error { return nil }, nil)
}

// publishedDelivery publishes task to its topic and returns the delivery
// a member of the stage group receives.
func publishedDelivery(t *testing.T, b bus.Bus, task *message.Task) *bus.Delivery {
	t.Helper()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, task.Stage.Topic(), task.Stage.Group())
	if err != nil {
		t.Fatal(err)
	}
	data, _ := message.Encode(task)
	if err := b.Publish(ctx, task.Stage.Topic(), task.RequestID.String(), data); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func statusEvents(t *testing.T, b bus.Bus, n int) []*message.StatusEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := b.Subscribe(ctx, message.TopicStatusUpdates, message.CoordinatorGroup)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var out []*message.StatusEvent
	for len(out) < n {
		d, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for status event %d: %v", len(out)+1, err)
		}
		ev, err := message.DecodeStatusEvent(d.Payload)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, ev)
		_ = d.Ack(ctx)
	}
	return out
}

func TestHandle_SuccessPublishesStartedThenSucceeded(t *testing.T) {
	b := newBus(t)
	fn := func(_ context.Context, task *message.Task) (any, error) {
		return map[string]string{"title": task.Report.Title}, nil
	}
	h, err := worker.New(message.StageTriage, fn, b, worker.WithRetryPolicy(fastPolicy(3)))
	if err != nil {
		t.Fatal(err)
	}

	task := newTask(message.StageTriage, 1)
	if err := h.Handle(context.Background(), delivery(t, task)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	evs := statusEvents(t, b, 2)
	if evs[0].Outcome != message.OutcomeStarted || evs[0].Sequence != 1 {
		t.Errorf("first event = %s seq %d, want started seq 1", evs[0].Outcome, evs[0].Sequence)
	}
	done := evs[1]
	if done.Outcome != message.OutcomeSucceeded || done.Sequence != 2 || done.Attempts != 1 {
		t.Fatalf("second event = %+v", done)
	}
	if done.Output == nil || done.Output.Stage != message.StageTriage {
		t.Fatalf("missing output: %+v", done.Output)
	}
	var got map[string]string
	if err := done.Output.Decode(&got); err != nil || got["title"] != "Login crash" {
		t.Errorf("output = %v, %v", got, err)
	}
}

func TestHandle_RetriesThenFailsToDLQ(t *testing.T) {
	b := newBus(t)
	var calls atomic.Int32
	fn := func(context.Context, *message.Task) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	}
	h, err := worker.New(message.StageTicket, fn, b,
		worker.WithRetryPolicy(fastPolicy(3)),
		worker.WithDLQ(dlq.NewService(b)),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	dead, err := dlq.NewService(b).Subscribe(ctx, message.StageTicket, "ops")
	if err != nil {
		t.Fatal(err)
	}

	task := newTask(message.StageTicket, 2)
	if err := h.Handle(ctx, delivery(t, task)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("stage called %d times, want 3", n)
	}

	evs := statusEvents(t, b, 2)
	failed := evs[1]
	if failed.Outcome != message.OutcomeFailed || failed.Sequence != 4 || failed.Attempts != 3 {
		t.Fatalf("failure event = %+v", failed)
	}
	if !strings.Contains(failed.Error, "upstream unavailable") {
		t.Errorf("error %q does not carry the cause", failed.Error)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := dead.Next(waitCtx)
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	entry, err := dlq.Decode(d.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if entry.RequestID != task.RequestID || entry.Attempts != 3 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestHandle_PermanentErrorSkipsRetries(t *testing.T) {
	b := newBus(t)
	var calls atomic.Int32
	fn := func(context.Context, *message.Task) (any, error) {
		calls.Add(1)
		return nil, stage.Permanent(errors.New("bad input"))
	}
	h, _ := worker.New(message.StageTriage, fn, b, worker.WithRetryPolicy(fastPolicy(5)))

	if err := h.Handle(context.Background(), delivery(t, newTask(message.StageTriage, 1))); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("stage called %d times, want 1", n)
	}
	evs := statusEvents(t, b, 2)
	if evs[1].Outcome != message.OutcomeFailed || evs[1].Attempts != 1 {
		t.Errorf("event = %+v", evs[1])
	}
}

func TestHandle_DuplicateDeliveryAnsweredFromGuard(t *testing.T) {
	b := newBus(t)
	var calls atomic.Int32
	fn := func(context.Context, *message.Task) (any, error) {
		calls.Add(1)
		return "ok", nil
	}
	h, _ := worker.New(message.StageTriage, fn, b, worker.WithRetryPolicy(fastPolicy(1)))

	task := newTask(message.StageTriage, 1)
	ctx := context.Background()
	if err := h.Handle(ctx, delivery(t, task)); err != nil {
		t.Fatal(err)
	}
	if err := h.Handle(ctx, delivery(t, task)); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("stage called %d times, want 1", n)
	}

	// started, succeeded, re-published succeeded.
	evs := statusEvents(t, b, 3)
	if evs[1].ID != evs[2].ID || evs[2].Outcome != message.OutcomeSucceeded {
		t.Errorf("duplicate should re-publish the cached event: %+v vs %+v", evs[1], evs[2])
	}
}

func TestHandle_StageTimeout(t *testing.T) {
	b := newBus(t)
	fn := func(ctx context.Context, _ *message.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h, _ := worker.New(message.StageIssue, fn, b,
		worker.WithRetryPolicy(fastPolicy(2)),
		worker.WithStageTimeout(20*time.Millisecond),
	)

	if err := h.Handle(context.Background(), delivery(t, newTask(message.StageIssue, 3))); err != nil {
		t.Fatal(err)
	}
	evs := statusEvents(t, b, 2)
	if evs[1].Outcome != message.OutcomeFailed || evs[1].Attempts != 2 {
		t.Fatalf("event = %+v", evs[1])
	}
	if !strings.Contains(evs[1].Error, "deadline") {
		t.Errorf("error %q should mention the deadline", evs[1].Error)
	}
}

func TestHandle_PanicBecomesFailure(t *testing.T) {
	b := newBus(t)
	fn := func(context.Context, *message.Task) (any, error) { panic("boom") }
	h, _ := worker.New(message.StageTriage, fn, b, worker.WithRetryPolicy(fastPolicy(1)))

	if err := h.Handle(context.Background(), delivery(t, newTask(message.StageTriage, 1))); err != nil {
		t.Fatal(err)
	}
	evs := statusEvents(t, b, 2)
	if evs[1].Outcome != message.OutcomeFailed || !strings.Contains(evs[1].Error, "boom") {
		t.Errorf("event = %+v", evs[1])
	}
}

func TestHandle_DirectChainingPublishesNextTask(t *testing.T) {
	b := newBus(t)
	fn := func(context.Context, *message.Task) (any, error) { return "triaged", nil }
	h, _ := worker.New(message.StageTriage, fn, b,
		worker.WithRetryPolicy(fastPolicy(1)),
		worker.WithDirectChaining(),
	)

	ctx := context.Background()
	next, err := b.Subscribe(ctx, message.TopicTriageResults, message.StageTicket.Group())
	if err != nil {
		t.Fatal(err)
	}
	task := newTask(message.StageTriage, 1)
	if err := h.Handle(ctx, delivery(t, task)); err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, err := next.Next(waitCtx)
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	got, err := message.DecodeTask(d.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != message.StageTicket || got.Sequence != 2 || got.RequestID != task.RequestID {
		t.Errorf("next task = %+v", got)
	}
	if _, ok := got.Output(message.StageTriage); !ok {
		t.Error("next task should carry the triage output")
	}
}

func TestHandle_MalformedAndForeignTasksAreAcked(t *testing.T) {
	b := newBus(t)
	var calls atomic.Int32
	fn := func(context.Context, *message.Task) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	h, _ := worker.New(message.StageTriage, fn, b)
	ctx := context.Background()

	acked := false
	bad := bus.NewDelivery(message.TopicBugReports, "k", "d", []byte("{"), 1,
		func(context.Context) error { acked = true; return nil }, nil)
	if err := h.Handle(ctx, bad); err != nil {
		t.Fatal(err)
	}
	if !acked {
		t.Error("malformed delivery should be acked")
	}

	if err := h.Handle(ctx, delivery(t, newTask(message.StageIssue, 3))); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Error("stage function should not run for dropped deliveries")
	}
}

func TestHandle_CancelledContextLeavesDelivery(t *testing.T) {
	b := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, _ *message.Task) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h, _ := worker.New(message.StageTriage, fn, b, worker.WithRetryPolicy(fastPolicy(3)))

	task := newTask(message.StageTriage, 1)
	d := publishedDelivery(t, b, task)
	if err := h.Handle(ctx, d); err == nil {
		t.Fatal("expected an error for an interrupted task")
	}
	if n, _ := b.Backlog(context.Background(), task.Stage.Topic(), task.Stage.Group()); n != 1 {
		t.Errorf("backlog = %d, want the task left for redelivery", n)
	}
}

func TestStartStop(t *testing.T) {
	b := newBus(t)
	processed := make(chan struct{}, 1)
	fn := func(context.Context, *message.Task) (any, error) {
		processed <- struct{}{}
		return "ok", nil
	}
	h, err := worker.New(message.StageTriage, fn, b, worker.WithConcurrency(2))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	data, _ := message.Encode(newTask(message.StageTriage, 1))
	if err := b.Publish(ctx, message.TopicBugReports, "k", data); err != nil {
		t.Fatal(err)
	}
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not processed")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestNew_RejectsUnknownStage(t *testing.T) {
	fn := func(context.Context, *message.Task) (any, error) { return nil, nil }
	if _, err := worker.New("deploy", fn, memory.New()); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
