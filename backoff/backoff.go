// Package backoff provides retry delay strategies for stage invocations
// and infrastructure calls. All strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt and optionally randomises
// part of it.
//
//	base  = min(Initial * 2^(attempt-1), Max)
//	delay = base*(1-Jitter) + rand[0, base*Jitter)
//
// Jitter is a fraction in [0, 1]: 0 is fully deterministic, 1 is full
// jitter over [0, base).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// NewExponential creates a deterministic exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential backoff with the given
// jitter fraction.
func NewExponentialWithJitter(initial, maxDelay time.Duration, jitter float64) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay, Jitter: jitter}
}

// Delay implements Strategy.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}

	j := min(max(e.Jitter, 0), 1)
	if j == 0 {
		return time.Duration(base)
	}
	fixed := base * (1 - j)
	return time.Duration(fixed + rand.Float64()*base*j) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used for infrastructure retries:
// exponential from 100ms to 5s with full jitter.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(100*time.Millisecond, 5*time.Second, 1)
}
