package report

import (
	"fmt"
	"time"
)

// Priority ranks how urgently a bug should be fixed.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Severity ranks the impact of a bug.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityBlocker  Severity = "blocker"
)

// TriageResult is the payload of the triage stage.
type TriageResult struct {
	BugReportID        string    `json:"bug_report_id"`
	Priority           Priority  `json:"priority"`
	Severity           Severity  `json:"severity"`
	Category           string    `json:"category"`
	Labels             []string  `json:"labels,omitempty"`
	AssigneeSuggestion string    `json:"assignee_suggestion,omitempty"`
	DuplicateOf        string    `json:"duplicate_of,omitempty"`
	Notes              string    `json:"triage_notes"`
	EstimatedEffort    string    `json:"estimated_effort,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate rejects results with unknown priority or severity values.
func (t *TriageResult) Validate() error {
	switch t.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("report: unknown priority %q", t.Priority)
	}
	switch t.Severity {
	case SeverityMinor, SeverityModerate, SeverityMajor, SeverityBlocker:
	default:
		return fmt.Errorf("report: unknown severity %q", t.Severity)
	}
	if t.Category == "" {
		return fmt.Errorf("report: triage category is empty")
	}
	return nil
}

// Ticket is the payload of the ticket formatting stage: an issue ready to
// be filed with the tracker.
type Ticket struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Milestone string   `json:"milestone,omitempty"`
}

// IssueRef is the payload of the issue creation stage and the external
// ticket reference recorded on a completed request.
type IssueRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
}
