package request

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
)

// Mutator edits a private copy of a request inside a CAS update. Returning
// an error aborts the update and the error is returned to the caller
// unchanged.
type Mutator func(r *RequestState) error

// Filter selects requests for Scan. The zero Filter matches every
// non-terminal request.
type Filter struct {
	// Statuses restricts the match to these statuses. When empty only
	// non-terminal requests match, unless IncludeTerminal is set.
	Statuses []Status

	// IncludeTerminal widens an empty Statuses to every status.
	IncludeTerminal bool

	// Stages restricts the match to requests currently in these states.
	Stages []State

	// BugReportID restricts the match to one bug report.
	BugReportID string

	// EnteredBefore matches requests whose current stage was entered
	// before this instant.
	EnteredBefore time.Time
}

// Match reports whether r satisfies f.
func (f Filter) Match(r *RequestState) bool {
	if len(f.Statuses) > 0 {
		if !slices.Contains(f.Statuses, r.Status) {
			return false
		}
	} else if !f.IncludeTerminal && r.Terminal() {
		return false
	}
	if len(f.Stages) > 0 && !slices.Contains(f.Stages, r.CurrentStage) {
		return false
	}
	if f.BugReportID != "" && r.BugReportID != f.BugReportID {
		return false
	}
	if !f.EnteredBefore.IsZero() && !r.StageEnteredAt.Before(f.EnteredBefore) {
		return false
	}
	return true
}

// WantsTerminal reports whether f can match a terminal request.
func (f Filter) WantsTerminal() bool {
	if len(f.Statuses) == 0 {
		return f.IncludeTerminal
	}
	for _, s := range f.Statuses {
		if s.Terminal() {
			return true
		}
	}
	return false
}

// Store is the durable per-request document store. CASUpdate is the only
// mutation path after Create.
type Store interface {
	// Get returns the request or pipeline.ErrNotFound.
	Get(ctx context.Context, requestID id.RequestID) (*RequestState, error)

	// Create persists a new request. It returns pipeline.ErrAlreadyExists
	// when the id is taken and pipeline.ErrDuplicateRequest when the bug
	// report already has a non-terminal request.
	Create(ctx context.Context, r *RequestState) error

	// CASUpdate applies fn to a copy of the stored request and writes it
	// back with Version+1, provided the stored Version still equals
	// expectedVersion. It returns pipeline.ErrVersionConflict or
	// pipeline.ErrNotFound, or the error fn returned.
	CASUpdate(ctx context.Context, requestID id.RequestID, expectedVersion int64, fn Mutator) (*RequestState, error)

	// Scan lazily yields requests matching filter. Iteration stops at the
	// first error, which is yielded with a nil request.
	Scan(ctx context.Context, filter Filter) iter.Seq2[*RequestState, error]

	// Expire sets the retention TTL of a terminal request. It returns
	// pipeline.ErrNotTerminal for requests still in flight.
	Expire(ctx context.Context, requestID id.RequestID, ttl time.Duration) error
}

// StatesOf returns the non-terminal states that belong to stage.
func StatesOf(stage message.Stage) []State {
	var out []State
	for s := range rank {
		if s.Stage() == stage {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b State) int { return a.Rank() - b.Rank() })
	return out
}

// ListOpts pages through Scan results ordered by request id.
type ListOpts struct {
	// Limit caps the page size. Zero or negative means DefaultPageSize.
	Limit int

	// Cursor is the last request id of the previous page, or "".
	Cursor string
}

// DefaultPageSize is used when ListOpts.Limit is not set.
const DefaultPageSize = 50
