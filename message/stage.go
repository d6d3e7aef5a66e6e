// Package message defines what travels over the bus: stage names and their
// fixed order, the Task a stage consumes, the StageOutput it produces and
// the StatusEvent it reports to the Coordinator.
package message

import "slices"

// Stage names one step of the fixed pipeline.
type Stage string

const (
	StageTriage Stage = "triage"
	StageTicket Stage = "ticket"
	StageIssue  Stage = "issue"
)

// Order is the fixed processing order.
var Order = []Stage{StageTriage, StageTicket, StageIssue}

// Topic names.
const (
	TopicBugReports     = "bug-reports"
	TopicTriageResults  = "triage-results"
	TopicTicketCreation = "ticket-creation"
	TopicStatusUpdates  = "status-updates"
)

// CoordinatorGroup is the consumer group reading TopicStatusUpdates.
const CoordinatorGroup = "coordinator-agent-group"

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool { return slices.Contains(Order, s) }

// Index returns the position of s in Order, or -1.
func (s Stage) Index() int { return slices.Index(Order, s) }

// Next returns the stage after s. ok is false for the last stage.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Order) {
		return "", false
	}
	return Order[i+1], true
}

// Last reports whether s is the final stage.
func (s Stage) Last() bool { return s.Index() == len(Order)-1 }

// Topic is the topic the stage consumes its Task from.
func (s Stage) Topic() string {
	switch s {
	case StageTriage:
		return TopicBugReports
	case StageTicket:
		return TopicTriageResults
	case StageIssue:
		return TopicTicketCreation
	}
	return ""
}

// Group is the consumer group shared by the stage's worker instances.
func (s Stage) Group() string {
	switch s {
	case StageTriage:
		return "triage-agent-group"
	case StageTicket:
		return "ticket-creation-agent-group"
	case StageIssue:
		return "github-api-agent-group"
	}
	return ""
}

// OutputTopic is where the stage's output feeds the next stage, or ""
// for the last stage.
func (s Stage) OutputTopic() string {
	next, ok := s.Next()
	if !ok {
		return ""
	}
	return next.Topic()
}

func (s Stage) String() string { return string(s) }
