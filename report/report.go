// Package report defines the bug report submitted to the pipeline and the
// payloads the built-in stages produce from it.
package report

import (
	"maps"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode"

	pipeline "github.com/ianlintner/AI-Pipeline"
)

// MaxTitleLength matches the longest issue title the tracker accepts.
// Submitted titles may be longer; drafted tickets are cut to it.
const MaxTitleLength = 256

// BugReport is the unit of work moved through the pipeline. It is
// immutable once submitted.
type BugReport struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Reporter         string         `json:"reporter"`
	Environment      string         `json:"environment,omitempty"`
	StepsToReproduce string         `json:"steps_to_reproduce,omitempty"`
	ExpectedBehavior string         `json:"expected_behavior,omitempty"`
	ActualBehavior   string         `json:"actual_behavior,omitempty"`
	Attachments      []string       `json:"attachments,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Validate checks the required fields. The returned error is a
// *pipeline.ValidationError naming the first offending field.
func (b *BugReport) Validate() error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return &pipeline.ValidationError{Field: "id", Reason: "must not be empty"}
	case strings.TrimSpace(b.Title) == "":
		return &pipeline.ValidationError{Field: "title", Reason: "must not be empty"}
	case strings.TrimSpace(b.Description) == "":
		return &pipeline.ValidationError{Field: "description", Reason: "must not be empty"}
	case strings.TrimSpace(b.Reporter) == "":
		return &pipeline.ValidationError{Field: "reporter", Reason: "must not be empty"}
	}
	if !wellFormedReporter(b.Reporter) {
		return &pipeline.ValidationError{Field: "reporter", Reason: "must be a name or an email address"}
	}
	return nil
}

// wellFormedReporter accepts a bare email address or a plain display name.
func wellFormedReporter(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "@") {
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return false
		}
		return addr.Address == s || addr.Name != ""
	}
	for _, r := range s {
		if unicode.IsControl(r) || strings.ContainsRune("<>\"", r) {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no slices or maps with b.
func (b BugReport) Clone() BugReport {
	b.Attachments = slices.Clone(b.Attachments)
	b.Metadata = maps.Clone(b.Metadata)
	return b
}
