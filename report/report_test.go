package report_test

import (
	"errors"
	"strings"
	"testing"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/report"
)

func validReport() report.BugReport {
	return report.BugReport{
		ID:          "BUG-001",
		Title:       "Login crash",
		Description: "App crashes on login",
		Reporter:    "a@b.com",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*report.BugReport)
		field  string
	}{
		{"valid", func(*report.BugReport) {}, ""},
		{"display name reporter", func(b *report.BugReport) { b.Reporter = "Ada Lovelace" }, ""},
		{"named address", func(b *report.BugReport) { b.Reporter = "Ada <ada@example.com>" }, ""},
		{"title longer than tracker limit", func(b *report.BugReport) { b.Title = strings.Repeat("x", report.MaxTitleLength+44) }, ""},
		{"missing id", func(b *report.BugReport) { b.ID = " " }, "id"},
		{"missing title", func(b *report.BugReport) { b.Title = "" }, "title"},
		{"missing description", func(b *report.BugReport) { b.Description = "" }, "description"},
		{"missing reporter", func(b *report.BugReport) { b.Reporter = "" }, "reporter"},
		{"malformed email", func(b *report.BugReport) { b.Reporter = "a@@b" }, "reporter"},
		{"control characters", func(b *report.BugReport) { b.Reporter = "bad\x00name" }, "reporter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validReport()
			tt.mutate(&b)
			err := b.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			if !errors.Is(err, pipeline.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *pipeline.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected field %q, got %v", tt.field, err)
			}
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	b := validReport()
	b.Attachments = []string{"https://example.com/a.png"}
	b.Metadata = map[string]any{"browser": "firefox"}

	c := b.Clone()
	c.Attachments[0] = "changed"
	c.Metadata["browser"] = "chrome"

	if b.Attachments[0] != "https://example.com/a.png" {
		t.Error("clone shares attachments with the original")
	}
	if b.Metadata["browser"] != "firefox" {
		t.Error("clone shares metadata with the original")
	}
}

func TestTriageResultValidate(t *testing.T) {
	ok := report.TriageResult{Priority: report.PriorityHigh, Severity: report.SeverityMajor, Category: "backend"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := ok
	bad.Priority = "urgent"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unknown priority")
	}
}
