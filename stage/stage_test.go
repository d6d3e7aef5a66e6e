package stage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/intel"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
	"github.com/ianlintner/AI-Pipeline/stage"
	"github.com/ianlintner/AI-Pipeline/tracker"
)

func testReport() report.BugReport {
	return report.BugReport{
		ID:          "BUG-001",
		Title:       "Login crash",
		Description: "App crashes on login",
		Reporter:    "a@b.com",
	}
}

func output(t *testing.T, s message.Stage, v any) message.StageOutput {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return message.StageOutput{Stage: s, Payload: raw, ProducedAt: time.Now()}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := fmt.Errorf("wrapped: %w", stage.Permanent(base))

	if !stage.IsPermanent(err) {
		t.Error("expected IsPermanent")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should unwrap to the cause")
	}
	if stage.IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
	if stage.Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestBuiltinsChain(t *testing.T) {
	ctx := context.Background()
	mock := tracker.NewMock("acme", "app", 0)
	fns := stage.Builtins(intel.NewHeuristic(), mock)
	task := &message.Task{RequestID: id.NewRequestID(), Stage: message.StageTriage, Sequence: 1, Report: testReport()}

	triaged, err := fns[message.StageTriage](ctx, task)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	task.Stage = message.StageTicket
	task.Outputs = append(task.Outputs, output(t, message.StageTriage, triaged))

	ticket, err := fns[message.StageTicket](ctx, task)
	if err != nil {
		t.Fatalf("ticket: %v", err)
	}
	if tk := ticket.(report.Ticket); tk.Title != "[HIGH] Login crash" {
		t.Errorf("ticket title = %q", tk.Title)
	}
	task.Stage = message.StageIssue
	task.Outputs = append(task.Outputs, output(t, message.StageTicket, ticket))

	issued, err := fns[message.StageIssue](ctx, task)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ref := issued.(report.IssueRef); ref.Number == 0 || ref.URL == "" {
		t.Errorf("issue ref = %+v", ref)
	}
	if len(mock.Tickets()) != 1 {
		t.Errorf("tracker saw %d tickets", len(mock.Tickets()))
	}
}

func TestTicket_MissingTriageIsPermanent(t *testing.T) {
	fn := stage.Ticket(intel.NewHeuristic())
	_, err := fn(context.Background(), &message.Task{Stage: message.StageTicket, Report: testReport()})
	if !stage.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestIssue_ClassifiesTrackerErrors(t *testing.T) {
	task := &message.Task{Stage: message.StageIssue, Report: testReport()}
	task.Outputs = []message.StageOutput{output(t, message.StageTicket, report.Ticket{Title: "t"})}

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"rejected", &tracker.APIError{StatusCode: 422, Message: "invalid"}, true},
		{"rate limited", &tracker.APIError{StatusCode: 429}, false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := tracker.NewMock("acme", "app", 0)
			mock.FailWith(tt.err)
			_, err := stage.Issue(mock)(context.Background(), task)
			if err == nil {
				t.Fatal("expected error")
			}
			if stage.IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", stage.IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestPrior_DecodeError(t *testing.T) {
	task := &message.Task{Stage: message.StageIssue}
	task.Outputs = []message.StageOutput{{Stage: message.StageTicket, Payload: json.RawMessage(`"not an object"`)}}
	if _, err := stage.Prior[report.Ticket](task, message.StageTicket); !stage.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
