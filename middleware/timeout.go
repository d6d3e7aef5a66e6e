package middleware

import (
	"context"
	"errors"
	"fmt"

	pipeline "github.com/ianlintner/AI-Pipeline"
)

// Timeout returns middleware that enforces the invocation's deadline.
// The handler runs on its own goroutine so an attempt is abandoned on time
// even if the stage function ignores its context; such a goroutine keeps
// running until the function returns. An overrun fails with an error
// wrapping both pipeline.ErrDeadlineExceeded and context.DeadlineExceeded.
func Timeout() Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) error {
		if inv.Timeout <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, inv.Timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- next(ctx) }()

		select {
		case err := <-done:
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, pipeline.ErrDeadlineExceeded) {
				return deadlineError(inv, err)
			}
			return err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return deadlineError(inv, ctx.Err())
			}
			return ctx.Err()
		}
	}
}

func deadlineError(inv *Invocation, cause error) error {
	return fmt.Errorf("%w: stage %s after %s: %w", pipeline.ErrDeadlineExceeded, inv.Stage, inv.Timeout, cause)
}
