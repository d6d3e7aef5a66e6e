// Package middleware provides composable middleware for stage invocations.
//
// A [Middleware] wraps one attempt at running a stage function. Middleware
// are composed into a chain using [Chain] and applied around every attempt
// the worker harness makes. They are applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs request, stage, attempt, duration, and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: abandons the attempt after Invocation.Timeout
//   - [Tracing]: wraps the attempt in an OpenTelemetry span
//   - [Metrics]: records per-stage duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, inv *middleware.Invocation, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaker, rate limiting).
package middleware
