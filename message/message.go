package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/report"
)

// Outcome is what a StatusEvent reports about a stage.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Terminal reports whether the outcome ends the stage.
func (o Outcome) Terminal() bool { return o != OutcomeStarted }

// The Coordinator numbers each stage dispatch n = 1, 2, 3... per request.
// Events for dispatch n carry StartedSeq(n) when the worker picks the task
// up and OutcomeSeq(n) for the stage result, so the two never collide.

// StartedSeq is the sequence of the started event for dispatch n.
func StartedSeq(n int64) int64 { return 2*n - 1 }

// OutcomeSeq is the sequence of the result event and StageOutput for
// dispatch n.
func OutcomeSeq(n int64) int64 { return 2 * n }

// StageOutput is what a stage produced for a request.
type StageOutput struct {
	RequestID  id.RequestID    `json:"request_id"`
	Stage      Stage           `json:"stage"`
	Sequence   int64           `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Decode unmarshals the payload into v.
func (o *StageOutput) Decode(v any) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("message: decode %s output: %w", o.Stage, err)
	}
	return nil
}

// StatusEvent reports stage progress to the Coordinator.
type StatusEvent struct {
	ID        id.EventID   `json:"id"`
	RequestID id.RequestID `json:"request_id"`
	Stage     Stage        `json:"stage"`
	Outcome   Outcome      `json:"outcome"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
	Attempts  int          `json:"attempts,omitempty"`
	Output    *StageOutput `json:"output,omitempty"`
}

// Task is the input envelope a stage worker consumes.
type Task struct {
	RequestID id.RequestID     `json:"request_id"`
	Stage     Stage            `json:"stage"`
	Sequence  int64            `json:"sequence"`
	Report    report.BugReport `json:"report"`
	Outputs   []StageOutput    `json:"outputs,omitempty"`
}

// Output returns the prior output of stage, if present.
func (t *Task) Output(stage Stage) (StageOutput, bool) {
	for _, o := range t.Outputs {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutput{}, false
}

// Encode marshals a bus payload.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: encode %T: %w", v, err)
	}
	return data, nil
}

// DecodeTask unmarshals and sanity-checks a Task payload.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("message: decode task: %w", err)
	}
	if t.RequestID.IsNil() || !t.Stage.Valid() || t.Sequence < 1 {
		return nil, fmt.Errorf("message: malformed task for request %q stage %q", t.RequestID, t.Stage)
	}
	return &t, nil
}

// DecodeStatusEvent unmarshals and sanity-checks a StatusEvent payload.
func DecodeStatusEvent(data []byte) (*StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("message: decode status event: %w", err)
	}
	if ev.RequestID.IsNil() || !ev.Stage.Valid() || ev.Sequence < 1 {
		return nil, fmt.Errorf("message: malformed status event for request %q stage %q", ev.RequestID, ev.Stage)
	}
	switch ev.Outcome {
	case OutcomeStarted, OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut:
	default:
		return nil, fmt.Errorf("message: unknown outcome %q", ev.Outcome)
	}
	return &ev, nil
}
