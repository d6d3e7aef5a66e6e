package request

import (
	"encoding/json"
	"fmt"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
)

// Transition describes what Apply changed.
type Transition struct {
	From State
	To   State

	// Dispatch is the stage whose Task must now be published, or "".
	Dispatch message.Stage

	// Terminal is set when the request reached a terminal status.
	Terminal bool
}

// Advanced reports whether the request moved to a later state.
func (t Transition) Advanced() bool { return t.To.Rank() > t.From.Rank() }

// Apply merges ev into r. It returns an error wrapping
// pipeline.ErrDuplicateEvent when ev was already applied, and one wrapping
// pipeline.ErrStaleWrite when ev arrived for a terminal request, for a
// stage the request already left, or conflicts with a recorded outcome.
// An event for a stage the request has not reached yet wraps
// pipeline.ErrAheadOfStage; it may still apply once the earlier stage
// reports. r is left untouched whenever an error is returned.
func (r *RequestState) Apply(ev message.StatusEvent, now time.Time) (Transition, error) {
	tr := Transition{From: r.CurrentStage, To: r.CurrentStage}

	last := r.LastSeq[ev.Stage]
	recorded := r.Stages[ev.Stage]

	if r.Terminal() {
		if ev.Sequence <= last && ev.Outcome == recorded.Status {
			return tr, fmt.Errorf("%w: %s %s seq %d", pipeline.ErrDuplicateEvent, ev.Stage, ev.Outcome, ev.Sequence)
		}
		return tr, fmt.Errorf("%w: request is %s", pipeline.ErrStaleWrite, r.Status)
	}

	if ev.Sequence <= last {
		if ev.Sequence == last && ev.Outcome != recorded.Status {
			return tr, fmt.Errorf("%w: conflicting outcome %s for %s seq %d, %s already applied",
				pipeline.ErrStaleWrite, ev.Outcome, ev.Stage, ev.Sequence, recorded.Status)
		}
		return tr, fmt.Errorf("%w: %s %s seq %d", pipeline.ErrDuplicateEvent, ev.Stage, ev.Outcome, ev.Sequence)
	}

	current := r.CurrentStage.Stage()
	if ev.Stage != current {
		if ev.Stage.Index() > current.Index() {
			return tr, fmt.Errorf("%w: event for %s but request is at %s", pipeline.ErrAheadOfStage, ev.Stage, r.CurrentStage)
		}
		return tr, fmt.Errorf("%w: event for %s but request is at %s", pipeline.ErrStaleWrite, ev.Stage, r.CurrentStage)
	}

	want := message.OutcomeSeq(r.DispatchSeq)
	if ev.Outcome == message.OutcomeStarted {
		want = message.StartedSeq(r.DispatchSeq)
	}
	if ev.Sequence != want {
		return tr, fmt.Errorf("%w: %s seq %d does not match dispatch %d",
			pipeline.ErrStaleWrite, ev.Stage, ev.Sequence, r.DispatchSeq)
	}

	sub := StageState{
		Status:    ev.Outcome,
		Timestamp: ev.Timestamp,
		Error:     ev.Error,
		Attempts:  ev.Attempts,
	}
	if sub.Timestamp.IsZero() {
		sub.Timestamp = now
	}

	switch ev.Outcome {
	case message.OutcomeStarted:
		if r.CurrentStage != inProgress(current) {
			tr.To = inProgress(current)
		}

	case message.OutcomeSucceeded:
		if ev.Output != nil {
			sub.Payload = append([]byte(nil), ev.Output.Payload...)
		}
		tr.To = done(current)
		if next, ok := current.Next(); ok {
			tr.To = inProgress(next)
			tr.Dispatch = next
		} else {
			var ref report.IssueRef
			if len(sub.Payload) > 0 && json.Unmarshal(sub.Payload, &ref) == nil && ref.Number != 0 {
				r.External = &ref
			}
		}

	case message.OutcomeFailed:
		tr.To = StateFailed
		reason := ev.Error
		if reason == "" {
			reason = "no error detail"
		}
		r.ErrorMessage = fmt.Sprintf("stage %s failed: %s", ev.Stage, reason)

	case message.OutcomeTimedOut:
		return tr, fmt.Errorf("%w: timed_out for %s is only produced by the sweep", pipeline.ErrStaleWrite, ev.Stage)

	default:
		return tr, fmt.Errorf("%w: unknown outcome %q", pipeline.ErrStaleWrite, ev.Outcome)
	}

	r.Stages[ev.Stage] = sub
	r.LastSeq[ev.Stage] = ev.Sequence
	r.UpdatedAt = now
	r.advance(tr, now)
	tr.Terminal = r.Terminal()
	return tr, nil
}

// AwaitingPickup reports whether the current stage was dispatched but no
// worker has reported on it yet.
func (r *RequestState) AwaitingPickup() bool {
	if r.Terminal() {
		return false
	}
	_, seen := r.Stages[r.CurrentStage.Stage()]
	return !seen
}

// Overdue reports whether the current stage has been running longer than
// deadline.
func (r *RequestState) Overdue(now time.Time, deadline time.Duration) bool {
	return !r.Terminal() && now.Sub(r.StageEnteredAt) > deadline
}

// TimeOut moves an overdue request to TimedOut and returns the status
// event announcing it. It wraps pipeline.ErrStaleWrite when r is terminal
// or not overdue.
func (r *RequestState) TimeOut(now time.Time, deadline time.Duration) (message.StatusEvent, error) {
	if !r.Overdue(now, deadline) {
		return message.StatusEvent{}, fmt.Errorf("%w: request %s is not overdue", pipeline.ErrStaleWrite, r.ID)
	}

	stage := r.CurrentStage.Stage()
	seq := message.OutcomeSeq(r.DispatchSeq)
	reason := fmt.Sprintf("%s: stage %s exceeded deadline of %s", pipeline.ErrDeadlineExceeded, stage, deadline)

	r.Stages[stage] = StageState{Status: message.OutcomeTimedOut, Timestamp: now, Error: reason}
	r.LastSeq[stage] = seq
	r.ErrorMessage = reason
	r.UpdatedAt = now
	r.advance(Transition{From: r.CurrentStage, To: StateTimedOut}, now)

	return message.StatusEvent{
		RequestID: r.ID,
		Stage:     stage,
		Outcome:   message.OutcomeTimedOut,
		Sequence:  seq,
		Timestamp: now,
		Error:     reason,
	}, nil
}

// Fail moves a non-terminal request to Failed outside of a stage result,
// for example when its first dispatch could not be published.
func (r *RequestState) Fail(now time.Time, reason string) error {
	if r.Terminal() {
		return fmt.Errorf("%w: request is %s", pipeline.ErrStaleWrite, r.Status)
	}
	r.ErrorMessage = reason
	r.UpdatedAt = now
	r.advance(Transition{From: r.CurrentStage, To: StateFailed}, now)
	return nil
}

// advance applies the state change in tr. It never moves backwards.
func (r *RequestState) advance(tr Transition, now time.Time) {
	if tr.To.Rank() < r.CurrentStage.Rank() {
		return
	}
	r.CurrentStage = tr.To
	if tr.Dispatch != "" {
		r.DispatchSeq++
		r.StageEnteredAt = now
	}

	switch tr.To {
	case StateCompleted:
		r.Status = StatusCompleted
	case StateFailed:
		r.Status = StatusFailed
	case StateTimedOut:
		r.Status = StatusTimedOut
	default:
		if tr.To != StateSubmitted {
			r.Status = StatusProcessing
		}
	}

	if r.Status.Terminal() {
		r.CompletedAt = &now
		r.ProcessingTime = now.Sub(r.CreatedAt)
	}
}
