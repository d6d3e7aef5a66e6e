// Package middleware provides composable middleware for stage invocations.
// Middleware wraps each call of a stage function synchronously and can
// modify execution (recover from panics, bound its duration, log, add
// tracing, etc.).
package middleware

import (
	"context"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
)

// Invocation describes one attempt at running a stage function.
type Invocation struct {
	RequestID   id.RequestID
	Stage       message.Stage
	Sequence    int64
	Attempt     int
	MaxAttempts int

	// Timeout bounds this attempt. Zero means no bound.
	Timeout time.Duration
}

// Handler is the terminal function that runs the stage.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the invocation being executed, and
// the next handler to call. Middleware MUST call next to continue the
// chain (unless short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
