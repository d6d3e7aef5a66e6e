package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/middleware"
)

func newTestInvocation() *middleware.Invocation {
	return &middleware.Invocation{
		RequestID:   id.NewRequestID(),
		Stage:       message.StageTicket,
		Sequence:    2,
		Attempt:     2,
		MaxAttempts: 3,
	}
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), newTestInvocation(), handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	err := chain(context.Background(), newTestInvocation(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *middleware.Invocation, next middleware.Handler) error {
		return next(ctx)
	}
	want := errors.New("handler error")

	err := middleware.Chain(mw)(context.Background(), newTestInvocation(), func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in stage ticket: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	mw := middleware.Recover(slog.Default())

	called := false
	err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestLogging(t *testing.T) {
	mw := middleware.Logging(slog.Default())
	want := errors.New("fail")

	if err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mw(context.Background(), newTestInvocation(), func(_ context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		handler middleware.Handler
		wantDL  bool
	}{
		{
			name:    "no timeout passes through",
			handler: func(ctx context.Context) error { return nil },
		},
		{
			name:    "fast handler succeeds",
			timeout: time.Second,
			handler: func(ctx context.Context) error { return nil },
		},
		{
			name:    "context-aware overrun",
			timeout: 10 * time.Millisecond,
			handler: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			wantDL: true,
		},
		{
			name:    "handler ignoring context is abandoned",
			timeout: 10 * time.Millisecond,
			handler: func(ctx context.Context) error {
				time.Sleep(200 * time.Millisecond)
				return nil
			},
			wantDL: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newTestInvocation()
			inv.Timeout = tt.timeout

			start := time.Now()
			err := middleware.Timeout()(context.Background(), inv, tt.handler)
			if tt.wantDL {
				if !errors.Is(err, pipeline.ErrDeadlineExceeded) || !errors.Is(err, context.DeadlineExceeded) {
					t.Fatalf("err = %v, want deadline exceeded", err)
				}
				if time.Since(start) > 150*time.Millisecond {
					t.Errorf("attempt not abandoned promptly: %v", time.Since(start))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
