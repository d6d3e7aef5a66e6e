package tracker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ianlintner/AI-Pipeline/report"
)

// Compile-time interface check.
var _ Tracker = (*Mock)(nil)

// Mock is an in-memory Tracker that pretends to file issues in
// owner/repo. It records every ticket it receives.
type Mock struct {
	owner string
	repo  string
	delay time.Duration

	mu      sync.Mutex
	tickets []report.Ticket
	err     error
}

// NewMock returns a Mock for owner/repo that answers after delay.
func NewMock(owner, repo string, delay time.Duration) *Mock {
	return &Mock{owner: owner, repo: repo, delay: delay}
}

// FailWith makes subsequent calls return err. Nil restores success.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Tickets returns the tickets filed so far.
func (m *Mock) Tickets() []report.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]report.Ticket(nil), m.tickets...)
}

// CreateIssue implements Tracker with a random issue number in
// [1000, 9999].
func (m *Mock) CreateIssue(ctx context.Context, t report.Ticket) (report.IssueRef, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return report.IssueRef{}, ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return report.IssueRef{}, m.err
	}
	m.tickets = append(m.tickets, t)

	n := 1000 + rand.IntN(9000)
	return report.IssueRef{
		Number: n,
		URL:    fmt.Sprintf("https://github.com/%s/%s/issues/%d", m.owner, m.repo, n),
		Title:  t.Title,
	}, nil
}
