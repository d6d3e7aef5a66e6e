// Package intel defines the intelligence collaborator the triage and
// ticket stages consult, and a deterministic keyword heuristic that
// implements it without any external service.
package intel

import (
	"context"
	"fmt"
	"time"

	"github.com/ianlintner/AI-Pipeline/report"
)

// Service produces triage decisions and issue drafts for bug reports.
// Implementations may call remote models; callers bound each call with
// the context deadline.
type Service interface {
	// Triage classifies a report.
	Triage(ctx context.Context, b report.BugReport) (report.TriageResult, error)

	// DraftTicket formats a triaged report as an issue ready to file.
	DraftTicket(ctx context.Context, b report.BugReport, t report.TriageResult) (report.Ticket, error)
}

// WithTimeout bounds every call to svc by d.
func WithTimeout(svc Service, d time.Duration) Service {
	if d <= 0 {
		return svc
	}
	return &timeoutService{next: svc, timeout: d}
}

type timeoutService struct {
	next    Service
	timeout time.Duration
}

func (s *timeoutService) Triage(ctx context.Context, b report.BugReport) (report.TriageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.next.Triage(ctx, b)
	if err != nil {
		return report.TriageResult{}, fmt.Errorf("intel: triage %s: %w", b.ID, err)
	}
	return res, nil
}

func (s *timeoutService) DraftTicket(ctx context.Context, b report.BugReport, t report.TriageResult) (report.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tk, err := s.next.DraftTicket(ctx, b, t)
	if err != nil {
		return report.Ticket{}, fmt.Errorf("intel: draft ticket %s: %w", b.ID, err)
	}
	return tk, nil
}
