// Package throttle limits how hard stage functions hit their external
// collaborators, with a per-stage rate limit and concurrency cap.
//
// # Per-Stage Configuration
//
// Use [Config] to set per-stage rate limits and concurrency caps:
//
//	throttle.Config{
//	    Stage:          message.StageIssue,
//	    MaxConcurrency: 2,  // at most 2 concurrent issue creations
//	    RateLimit:      1,  // 1 call/s to the tracker API
//	    RateBurst:      5,  // allow bursts up to 5
//	}
//
// # Manager
//
// [Manager] uses a token-bucket rate limiter (golang.org/x/time/rate) and
// an active-count gate for concurrency limits. [Manager.Acquire] is the
// non-blocking form; [Manager.Wait] blocks until both limits admit the
// call. Either way the caller must [Manager.Release] afterwards.
//
//	if err := m.Wait(ctx, stage); err != nil {
//	    return err
//	}
//	defer m.Release(stage)
//
// The worker harness installs [Manager.Middleware] around every stage
// attempt. Stages without a [Config] have no limits beyond the harness
// concurrency.
package throttle
