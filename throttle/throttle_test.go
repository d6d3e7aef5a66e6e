package throttle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/middleware"
	"github.com/ianlintner/AI-Pipeline/throttle"
)

const issue = message.StageIssue

// ---------------------------------------------------------------------------
// Acquire / Release
// ---------------------------------------------------------------------------

func TestManager_UnconfiguredStage_AlwaysSucceeds(t *testing.T) {
	m := throttle.NewManager()
	for range 100 {
		if !m.Acquire(message.StageTriage) {
			t.Fatal("Acquire should succeed for unconfigured stage")
		}
	}
	if err := m.Wait(context.Background(), message.StageTriage); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	m.Release(message.StageTriage)
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, MaxConcurrency: 2})

	if !m.Acquire(issue) || !m.Acquire(issue) {
		t.Fatal("first two Acquires should succeed")
	}
	if m.Acquire(issue) {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}
	if m.ActiveCount(issue) != 2 {
		t.Fatalf("ActiveCount = %d, want 2", m.ActiveCount(issue))
	}

	m.Release(issue)
	if !m.Acquire(issue) {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, MaxConcurrency: 1})
	m.Release(issue)
	m.Release(issue)
	if m.ActiveCount(issue) != 0 {
		t.Fatalf("ActiveCount = %d, want 0", m.ActiveCount(issue))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, RateLimit: 1, RateBurst: 1})

	if !m.Acquire(issue) {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(issue)

	if m.Acquire(issue) {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(issue) {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(issue)
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, RateLimit: 10, RateBurst: 3})
	for i := range 3 {
		if !m.Acquire(issue) {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release(issue)
	}
}

// ---------------------------------------------------------------------------
// Wait
// ---------------------------------------------------------------------------

func TestManager_WaitBlocksUntilRelease(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, MaxConcurrency: 1})
	if err := m.Wait(context.Background(), issue); err != nil {
		t.Fatal(err)
	}

	admitted := make(chan struct{})
	go func() {
		if err := m.Wait(context.Background(), issue); err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("second Wait admitted while slot held")
	case <-time.After(30 * time.Millisecond):
	}

	m.Release(issue)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second Wait not admitted after Release")
	}
}

func TestManager_WaitHonoursContext(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, MaxConcurrency: 1})
	m.Acquire(issue)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx, issue); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want DeadlineExceeded", err)
	}
}

func TestManager_SetConfigWakesWaiters(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, MaxConcurrency: 1})
	m.Acquire(issue)

	admitted := make(chan struct{})
	go func() {
		if err := m.Wait(context.Background(), issue); err == nil {
			close(admitted)
		}
	}()
	time.Sleep(10 * time.Millisecond)

	m.SetConfig(throttle.Config{Stage: issue, MaxConcurrency: 2})
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after raising the cap")
	}
	if m.ActiveCount(issue) != 2 {
		t.Fatalf("ActiveCount = %d, want 2", m.ActiveCount(issue))
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestManager_MiddlewareCapsConcurrency(t *testing.T) {
	m := throttle.NewManager(throttle.Config{Stage: issue, MaxConcurrency: 2})
	mw := m.Middleware()

	var (
		running, peak atomic.Int32
		wg            sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv := &middleware.Invocation{RequestID: id.NewRequestID(), Stage: issue}
			_ = mw(context.Background(), inv, func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds cap 2", peak.Load())
	}
	if m.ActiveCount(issue) != 0 {
		t.Fatalf("slots leaked: %d", m.ActiveCount(issue))
	}
}
