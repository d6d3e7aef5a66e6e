// Package stage defines the pluggable stage function the worker harness
// runs, and the built-in functions for the triage, ticket and issue
// stages.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ianlintner/AI-Pipeline/message"
)

// Func runs one stage for a task. The returned value is JSON-encoded into
// the StageOutput payload. Errors are retried by the harness unless they
// are marked with Permanent.
type Func func(ctx context.Context, task *message.Task) (any, error)

// permanentError marks an error the harness must not retry.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Prior decodes the output a previous stage left in the task.
func Prior[T any](task *message.Task, stage message.Stage) (T, error) {
	var v T
	out, ok := task.Output(stage)
	if !ok {
		return v, Permanent(fmt.Errorf("stage %s: missing %s output", task.Stage, stage))
	}
	if err := out.Decode(&v); err != nil {
		return v, Permanent(err)
	}
	return v, nil
}
