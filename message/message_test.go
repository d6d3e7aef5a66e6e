package message_test

import (
	"testing"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
)

func TestStageRouting(t *testing.T) {
	tests := []struct {
		stage  message.Stage
		topic  string
		group  string
		output string
	}{
		{message.StageTriage, "bug-reports", "triage-agent-group", "triage-results"},
		{message.StageTicket, "triage-results", "ticket-creation-agent-group", "ticket-creation"},
		{message.StageIssue, "ticket-creation", "github-api-agent-group", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			if got := tt.stage.Topic(); got != tt.topic {
				t.Errorf("Topic() = %q, want %q", got, tt.topic)
			}
			if got := tt.stage.Group(); got != tt.group {
				t.Errorf("Group() = %q, want %q", got, tt.group)
			}
			if got := tt.stage.OutputTopic(); got != tt.output {
				t.Errorf("OutputTopic() = %q, want %q", got, tt.output)
			}
		})
	}
}

func TestStageOrder(t *testing.T) {
	next, ok := message.StageTriage.Next()
	if !ok || next != message.StageTicket {
		t.Fatalf("triage.Next() = %q, %v", next, ok)
	}
	if _, ok := message.StageIssue.Next(); ok {
		t.Error("issue should be the last stage")
	}
	if !message.StageIssue.Last() {
		t.Error("issue.Last() should be true")
	}
	if message.Stage("deploy").Valid() {
		t.Error("unknown stage reported valid")
	}
}

func TestSequenceNumbering(t *testing.T) {
	for n := int64(1); n <= 3; n++ {
		if message.StartedSeq(n) >= message.OutcomeSeq(n) {
			t.Errorf("dispatch %d: started %d not before outcome %d", n, message.StartedSeq(n), message.OutcomeSeq(n))
		}
		if message.OutcomeSeq(n) >= message.StartedSeq(n+1) {
			t.Errorf("dispatch %d outcome overlaps next dispatch", n)
		}
	}
}

func TestDecodeStatusEvent(t *testing.T) {
	ev := message.StatusEvent{
		ID:        id.NewEventID(),
		RequestID: id.NewRequestID(),
		Stage:     message.StageTriage,
		Outcome:   message.OutcomeSucceeded,
		Sequence:  2,
		Timestamp: time.Now().UTC(),
	}
	data, err := message.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}

	got, err := message.DecodeStatusEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID.String() != ev.RequestID.String() || got.Outcome != ev.Outcome {
		t.Errorf("decoded %+v, want %+v", got, ev)
	}

	if _, err := message.DecodeStatusEvent([]byte(`{"stage":"triage","outcome":"started","sequence":1}`)); err == nil {
		t.Error("expected error for missing request id")
	}
	if _, err := message.DecodeTask([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed task")
	}
}
