package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ianlintner/AI-Pipeline/intel"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
	"github.com/ianlintner/AI-Pipeline/tracker"
)

// Triage classifies the report with svc and returns a
// report.TriageResult.
func Triage(svc intel.Service) Func {
	return func(ctx context.Context, task *message.Task) (any, error) {
		res, err := svc.Triage(ctx, task.Report)
		if err != nil {
			return nil, err
		}
		if err := res.Validate(); err != nil {
			return nil, Permanent(err)
		}
		return res, nil
	}
}

// Ticket drafts an issue from the report and its triage result and
// returns a report.Ticket.
func Ticket(svc intel.Service) Func {
	return func(ctx context.Context, task *message.Task) (any, error) {
		tr, err := Prior[report.TriageResult](task, message.StageTriage)
		if err != nil {
			return nil, err
		}
		tk, err := svc.DraftTicket(ctx, task.Report, tr)
		if err != nil {
			return nil, err
		}
		if tk.Title == "" {
			return nil, Permanent(fmt.Errorf("stage ticket: drafted ticket for %s has no title", task.Report.ID))
		}
		return tk, nil
	}
}

// Issue files the drafted ticket with t and returns the
// report.IssueRef. Rejections the tracker reports as non-temporary are
// not retried.
func Issue(t tracker.Tracker) Func {
	return func(ctx context.Context, task *message.Task) (any, error) {
		tk, err := Prior[report.Ticket](task, message.StageTicket)
		if err != nil {
			return nil, err
		}
		ref, err := t.CreateIssue(ctx, tk)
		if err != nil {
			var apiErr *tracker.APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return nil, Permanent(err)
			}
			return nil, err
		}
		return ref, nil
	}
}

// Builtins returns the built-in function for every stage.
func Builtins(svc intel.Service, t tracker.Tracker) map[message.Stage]Func {
	return map[message.Stage]Func{
		message.StageTriage: Triage(svc),
		message.StageTicket: Ticket(svc),
		message.StageIssue:  Issue(t),
	}
}
