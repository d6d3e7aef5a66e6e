package backoff

import (
	"context"
	"time"
)

// Retry calls fn up to attempts times, sleeping s.Delay(n) between calls,
// while retryable reports the returned error as worth retrying. It returns
// the last error, or ctx.Err() if the context ends while waiting.
func Retry(ctx context.Context, s Strategy, attempts int, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if n == attempts || (retryable != nil && !retryable(err)) {
			return err
		}
		if waitErr := Sleep(ctx, s.Delay(n)); waitErr != nil {
			return waitErr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
