package dlq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ianlintner/AI-Pipeline/bus/memory"
	"github.com/ianlintner/AI-Pipeline/dlq"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
)

func newTestTask() *message.Task {
	return &message.Task{
		RequestID: id.NewRequestID(),
		Stage:     message.StageIssue,
		Sequence:  3,
		Report: report.BugReport{
			ID:          "BUG-001",
			Title:       "Login crash",
			Description: "App crashes on login",
			Reporter:    "a@b.com",
		},
	}
}

func TestService_Push_PublishesEntry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))
	svc := dlq.NewService(b)

	sub, err := svc.Subscribe(ctx, message.StageIssue, "ops")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	task := newTestTask()
	pushed, err := svc.Push(ctx, task, 3, errors.New("github: 502 bad gateway"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if d.Topic != "ticket-creation.dlq" {
		t.Errorf("Topic = %q", d.Topic)
	}
	if d.Key != task.RequestID.String() {
		t.Errorf("Key = %q, want request id", d.Key)
	}

	entry, err := dlq.Decode(d.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if entry.ID != pushed.ID || entry.RequestID != task.RequestID {
		t.Errorf("entry ids = %v/%v", entry.ID, entry.RequestID)
	}
	if entry.Stage != message.StageIssue || entry.Sequence != 3 || entry.Attempts != 3 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Error != "github: 502 bad gateway" {
		t.Errorf("Error = %q", entry.Error)
	}
	if entry.FailedAt.IsZero() {
		t.Error("expected FailedAt to be set")
	}

	decoded, err := message.DecodeTask(entry.Task)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if decoded.Report.ID != "BUG-001" {
		t.Errorf("task report = %+v", decoded.Report)
	}
}

func TestService_Replay_RepublishesTask(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))
	svc := dlq.NewService(b)

	stageSub, _ := b.Subscribe(ctx, message.TopicTicketCreation, message.StageIssue.Group())

	entry, err := svc.Push(ctx, newTestTask(), 3, errors.New("boom"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := svc.Replay(ctx, entry); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	d, err := stageSub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	task, err := message.DecodeTask(d.Payload)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if task.RequestID != entry.RequestID || task.Sequence != 3 {
		t.Errorf("replayed task = %+v", task)
	}
}

func TestTopic(t *testing.T) {
	if got := dlq.Topic(message.TopicBugReports); got != "bug-reports.dlq" {
		t.Errorf("Topic = %q", got)
	}
}
