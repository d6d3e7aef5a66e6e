package pipeline

import (
	"errors"
	"fmt"
)

var (
	// Wiring errors.
	ErrNoStore = errors.New("pipeline: no store configured")
	ErrNoBus   = errors.New("pipeline: no bus configured")
	ErrClosed  = errors.New("pipeline: closed")

	// Store errors.
	ErrNotFound        = errors.New("pipeline: request not found")
	ErrAlreadyExists   = errors.New("pipeline: request already exists")
	ErrVersionConflict = errors.New("pipeline: version conflict")
	ErrNotTerminal     = errors.New("pipeline: request is not terminal")

	// Submission errors.
	ErrValidation       = errors.New("pipeline: validation failed")
	ErrDuplicateRequest = errors.New("pipeline: duplicate request for bug report")

	// Workflow errors.
	ErrTransient        = errors.New("pipeline: transient infrastructure error")
	ErrStageExecution   = errors.New("pipeline: stage execution failed")
	ErrDeadlineExceeded = errors.New("pipeline: stage deadline exceeded")
	ErrStaleWrite       = errors.New("pipeline: stale write discarded")
	ErrDuplicateEvent   = errors.New("pipeline: duplicate event")
	ErrAheadOfStage     = errors.New("pipeline: event ahead of current stage")
	ErrTerminal         = errors.New("pipeline: request is terminal")
)

// ValidationError reports a malformed submission. It unwraps to
// ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Transient marks err as a TransientInfraError. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
