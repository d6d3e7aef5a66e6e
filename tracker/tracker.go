// Package tracker defines the ticket-tracking collaborator the issue
// stage files tickets with, a GitHub implementation and a mock.
package tracker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ianlintner/AI-Pipeline/report"
)

// Tracker files a formatted ticket and returns the created issue.
type Tracker interface {
	CreateIssue(ctx context.Context, t report.Ticket) (report.IssueRef, error)
}

// APIError is a rejection reported by the tracker's API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker: api status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether repeating the same call may succeed. Client
// errors other than timeouts and rate limiting are permanent.
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}
