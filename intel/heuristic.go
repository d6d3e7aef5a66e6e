package intel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/ianlintner/AI-Pipeline/report"
)

// Compile-time interface check.
var _ Service = (*Heuristic)(nil)

type priorityRule struct {
	priority report.Priority
	severity report.Severity
	effort   string
	keywords []string
}

// Checked in order; the first rule with a matching keyword wins.
var priorityRules = []priorityRule{
	{report.PriorityCritical, report.SeverityBlocker, "large",
		[]string{"data loss", "security", "vulnerab", "outage", "system down", "breach", "corrupt"}},
	{report.PriorityHigh, report.SeverityMajor, "medium",
		[]string{"crash", "cannot", "can't", "broken", "fails", "exception", "500"}},
	{report.PriorityLow, report.SeverityMinor, "small",
		[]string{"typo", "cosmetic", "alignment", "spelling", "colour", "color"}},
}

type categoryRule struct {
	category string
	keywords []string
}

var categoryRules = []categoryRule{
	{"security", []string{"security", "xss", "csrf", "injection", "vulnerab"}},
	{"authentication", []string{"login", "log in", "password", "sign in", "session", "oauth"}},
	{"performance", []string{"slow", "latency", "timeout", "memory", "cpu", "hang"}},
	{"database", []string{"database", "sql", "query", "migration", "postgres"}},
	{"ui/ux", []string{"button", "layout", "css", "render", "display", "screen"}},
	{"backend", []string{"api", "server", "endpoint", "500"}},
}

// Heuristic is a keyword-driven Service. It is deterministic for a given
// report, which makes it suitable for tests and offline deployments.
type Heuristic struct {
	now func() time.Time
}

// NewHeuristic returns a Heuristic using the wall clock.
func NewHeuristic() *Heuristic {
	return &Heuristic{now: func() time.Time { return time.Now().UTC() }}
}

// Triage implements Service.
func (h *Heuristic) Triage(ctx context.Context, b report.BugReport) (report.TriageResult, error) {
	if err := ctx.Err(); err != nil {
		return report.TriageResult{}, err
	}
	text := strings.ToLower(strings.Join([]string{
		b.Title, b.Description, b.ActualBehavior, b.StepsToReproduce,
	}, "\n"))

	res := report.TriageResult{
		BugReportID:     b.ID,
		Priority:        report.PriorityMedium,
		Severity:        report.SeverityModerate,
		Category:        "general",
		EstimatedEffort: "medium",
		CreatedAt:       h.now(),
	}

	var reasons []string
	for _, rule := range priorityRules {
		if kw, ok := firstMatch(text, rule.keywords); ok {
			res.Priority, res.Severity, res.EstimatedEffort = rule.priority, rule.severity, rule.effort
			reasons = append(reasons, fmt.Sprintf("priority %s from %q", rule.priority, kw))
			break
		}
	}
	for _, rule := range categoryRules {
		if kw, ok := firstMatch(text, rule.keywords); ok {
			res.Category = rule.category
			reasons = append(reasons, fmt.Sprintf("category %s from %q", rule.category, kw))
			break
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no keywords matched, defaults applied")
	}

	res.Labels = []string{"bug", res.Category, "priority:" + string(res.Priority)}
	if team, ok := b.Metadata["team"].(string); ok && team != "" {
		res.AssigneeSuggestion = team
	}
	res.Notes = strings.Join(reasons, "; ")
	return res, nil
}

func firstMatch(text string, keywords []string) (string, bool) {
	i := slices.IndexFunc(keywords, func(kw string) bool { return strings.Contains(text, kw) })
	if i < 0 {
		return "", false
	}
	return keywords[i], true
}

var bodyTemplate = template.Must(template.New("issue").Funcs(template.FuncMap{
	"orDefault": func(s, fallback string) string {
		if strings.TrimSpace(s) == "" {
			return fallback
		}
		return s
	},
}).Parse(`## Description
{{.Report.Description}}

## Environment
{{orDefault .Report.Environment "Not specified"}}

## Steps to Reproduce
{{orDefault .Report.StepsToReproduce "Not provided"}}

## Expected Behavior
{{orDefault .Report.ExpectedBehavior "Not specified"}}

## Actual Behavior
{{orDefault .Report.ActualBehavior "Not specified"}}

## Additional Information
- **Reporter:** {{.Report.Reporter}}
- **Bug report:** {{.Report.ID}}
{{- range .Report.Attachments}}
- Attachment: {{.}}
{{- end}}

## Triage Information
- **Priority:** {{.Triage.Priority}}
- **Severity:** {{.Triage.Severity}}
- **Category:** {{.Triage.Category}}
- **Estimated Effort:** {{orDefault .Triage.EstimatedEffort "Not specified"}}

{{.Triage.Notes}}
`))

// DraftTicket implements Service.
func (h *Heuristic) DraftTicket(ctx context.Context, b report.BugReport, t report.TriageResult) (report.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return report.Ticket{}, err
	}

	var body strings.Builder
	err := bodyTemplate.Execute(&body, struct {
		Report report.BugReport
		Triage report.TriageResult
	}{b, t})
	if err != nil {
		return report.Ticket{}, fmt.Errorf("intel: render issue body: %w", err)
	}

	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(t.Priority)), strings.TrimSpace(b.Title))
	if len(title) > report.MaxTitleLength {
		title = title[:report.MaxTitleLength]
	}

	tk := report.Ticket{
		Title:  title,
		Body:   body.String(),
		Labels: slices.Clone(t.Labels),
	}
	if t.AssigneeSuggestion != "" {
		tk.Assignees = []string{t.AssigneeSuggestion}
	}
	return tk, nil
}
