package worker

import (
	"time"

	"github.com/ianlintner/AI-Pipeline/backoff"
)

// RetryPolicy controls how often a stage function is attempted for one
// task and how long the harness waits between attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, first one included.
	MaxAttempts int

	// Backoff yields the delay after failed attempt n (1-based).
	Backoff backoff.Strategy
}

// DefaultRetryPolicy makes three attempts with jittered exponential
// backoff starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     backoff.NewExponentialWithJitter(time.Second, 30*time.Second, 0.5),
	}
}

// NewRetryPolicy builds a policy with exponential backoff from base,
// capped at maxDelay, randomised by the jitter fraction.
func NewRetryPolicy(maxAttempts int, base, maxDelay time.Duration, jitter float64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     backoff.NewExponentialWithJitter(base, maxDelay, jitter),
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(attempt)
}
