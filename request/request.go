// Package request defines RequestState, the store-resident aggregate the
// Coordinator owns for every submitted bug report, and the state machine
// that merges StatusEvents into it.
package request

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
)

// State is the workflow position of a request. Non-terminal states are
// totally ordered; Completed, Failed and TimedOut are terminal sinks.
type State string

const (
	StateSubmitted        State = "Submitted"
	StateTriageInProgress State = "Triage_InProgress"
	StateTriaged          State = "Triaged"
	StateTicketInProgress State = "Ticket_InProgress"
	StateTicketReady      State = "Ticket_Ready"
	StateIssueInProgress  State = "Issue_InProgress"
	StateCompleted        State = "Completed"
	StateFailed           State = "Failed"
	StateTimedOut         State = "TimedOut"
)

// rank orders the forward path. Failed and TimedOut rank above every
// non-terminal state so a transition into them is never backwards.
var rank = map[State]int{
	StateSubmitted:        0,
	StateTriageInProgress: 1,
	StateTriaged:          2,
	StateTicketInProgress: 3,
	StateTicketReady:      4,
	StateIssueInProgress:  5,
	StateCompleted:        6,
	StateFailed:           6,
	StateTimedOut:         6,
}

// Rank returns the position of s in the forward order.
func (s State) Rank() int { return rank[s] }

// Terminal reports whether s is Completed, Failed or TimedOut.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Stage returns the pipeline stage a non-terminal state belongs to.
func (s State) Stage() message.Stage {
	switch s {
	case StateSubmitted, StateTriageInProgress:
		return message.StageTriage
	case StateTriaged, StateTicketInProgress:
		return message.StageTicket
	case StateTicketReady, StateIssueInProgress:
		return message.StageIssue
	}
	return ""
}

// inProgress maps a stage to its running state.
func inProgress(stage message.Stage) State {
	switch stage {
	case message.StageTriage:
		return StateTriageInProgress
	case message.StageTicket:
		return StateTicketInProgress
	case message.StageIssue:
		return StateIssueInProgress
	}
	return ""
}

// done maps a stage to the state reached when it succeeds.
func done(stage message.Stage) State {
	switch stage {
	case message.StageTriage:
		return StateTriaged
	case message.StageTicket:
		return StateTicketReady
	case message.StageIssue:
		return StateCompleted
	}
	return ""
}

// Status is the coarse request status reported to callers.
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether s is completed, failed or timed_out.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// StageState is the per-stage sub-state of a request.
type StageState struct {
	Status    message.Outcome `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

// RequestState is one pass of a bug report through the pipeline.
type RequestState struct {
	ID          id.RequestID     `json:"request_id"`
	BugReportID string           `json:"bug_report_id"`
	Report      report.BugReport `json:"report"`

	CurrentStage State                        `json:"current_stage"`
	Stages       map[message.Stage]StageState `json:"stages"`
	LastSeq      map[message.Stage]int64      `json:"last_seq"`
	Status       Status                       `json:"status"`
	ErrorMessage string                       `json:"error_message,omitempty"`
	External     *report.IssueRef             `json:"external_ref,omitempty"`

	// DispatchSeq numbers the latest stage dispatch. Stage inputs carry
	// it and status events derive their sequence from it.
	DispatchSeq int64 `json:"dispatch_seq"`

	// StageEnteredAt is when the current stage was dispatched; stage
	// deadlines are measured from it.
	StageEnteredAt time.Time `json:"stage_entered_at"`

	ProcessingTime time.Duration `json:"processing_time,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`

	// Version is bumped by every successful CAS update.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a request in Submitted, dispatched to the first stage.
func New(requestID id.RequestID, rep report.BugReport, now time.Time) *RequestState {
	return &RequestState{
		ID:             requestID,
		BugReportID:    rep.ID,
		Report:         rep.Clone(),
		CurrentStage:   StateSubmitted,
		Stages:         make(map[message.Stage]StageState),
		LastSeq:        make(map[message.Stage]int64),
		Status:         StatusSubmitted,
		DispatchSeq:    1,
		StageEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether the request reached a terminal status.
func (r *RequestState) Terminal() bool { return r.Status.Terminal() }

// Clone returns a deep copy of r.
func (r *RequestState) Clone() *RequestState {
	cp := *r
	cp.Report = r.Report.Clone()
	cp.Stages = make(map[message.Stage]StageState, len(r.Stages))
	for k, v := range r.Stages {
		v.Payload = append([]byte(nil), v.Payload...)
		cp.Stages[k] = v
	}
	cp.LastSeq = maps.Clone(r.LastSeq)
	if cp.LastSeq == nil {
		cp.LastSeq = make(map[message.Stage]int64)
	}
	if r.External != nil {
		ext := *r.External
		cp.External = &ext
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// Expired reports whether a retention TTL set on r has elapsed.
func (r *RequestState) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// PriorOutputs rebuilds the outputs of every succeeded stage in pipeline
// order, for the next stage's Task.
func (r *RequestState) PriorOutputs() []message.StageOutput {
	var outs []message.StageOutput
	for _, stage := range message.Order {
		sub, ok := r.Stages[stage]
		if !ok || sub.Status != message.OutcomeSucceeded {
			continue
		}
		outs = append(outs, message.StageOutput{
			RequestID:  r.ID,
			Stage:      stage,
			Sequence:   r.LastSeq[stage],
			Payload:    append([]byte(nil), sub.Payload...),
			ProducedAt: sub.Timestamp,
		})
	}
	return outs
}

// Task builds the input envelope for the current stage dispatch.
func (r *RequestState) Task() message.Task {
	return message.Task{
		RequestID: r.ID,
		Stage:     r.CurrentStage.Stage(),
		Sequence:  r.DispatchSeq,
		Report:    r.Report.Clone(),
		Outputs:   r.PriorOutputs(),
	}
}
