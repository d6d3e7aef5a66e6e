package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/bus/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func next(t *testing.T, sub bus.Subscription) *bus.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return d
}

func expectEmpty(t *testing.T, sub bus.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := sub.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected delivery %s key=%s", d.Payload, d.Key)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next: %v", err)
	}
}

func TestPublishSubscribeAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))

	if err := b.Publish(ctx, "bug-reports", "req-1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sub, err := b.Subscribe(ctx, "bug-reports", "triage-agent-group")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d := next(t, sub)
	if d.Topic != "bug-reports" || d.Key != "req-1" || string(d.Payload) != `{"n":1}` || d.Attempt != 1 {
		t.Fatalf("delivery = %+v", d)
	}
	if n, _ := b.Backlog(ctx, "bug-reports", "triage-agent-group"); n != 1 {
		t.Errorf("Backlog before ack = %d, want 1", n)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if n, _ := b.Backlog(ctx, "bug-reports", "triage-agent-group"); n != 0 {
		t.Errorf("Backlog after ack = %d, want 0", n)
	}
	expectEmpty(t, sub)
}

func TestPerKeyOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))

	for _, m := range []struct{ key, body string }{
		{"A", "a1"}, {"A", "a2"}, {"B", "b1"},
	} {
		if err := b.Publish(ctx, "t", m.key, []byte(m.body)); err != nil {
			t.Fatal(err)
		}
	}
	sub, _ := b.Subscribe(ctx, "t", "g")

	first := next(t, sub)
	second := next(t, sub)
	if string(first.Payload) != "a1" || string(second.Payload) != "b1" {
		t.Fatalf("got %s then %s, want a1 then b1", first.Payload, second.Payload)
	}
	// a2 waits for a1.
	expectEmpty(t, sub)

	if err := first.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if d := next(t, sub); string(d.Payload) != "a2" {
		t.Fatalf("got %s, want a2", d.Payload)
	}
}

func TestNackRedeliversImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))
	_ = b.Publish(ctx, "t", "k", []byte("x"))
	sub, _ := b.Subscribe(ctx, "t", "g")

	d := next(t, sub)
	if err := d.Nack(ctx); err != nil {
		t.Fatal(err)
	}
	again := next(t, sub)
	if again.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", again.Attempt)
	}
	if again.ID != d.ID {
		t.Errorf("redelivered ID %s, want %s", again.ID, d.ID)
	}
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := memory.New(
		memory.WithClock(clock.Now),
		memory.WithVisibilityTimeout(time.Minute),
		memory.WithPollInterval(5*time.Millisecond),
	)
	_ = b.Publish(ctx, "t", "k", []byte("x"))
	sub, _ := b.Subscribe(ctx, "t", "g")

	stale := next(t, sub)
	expectEmpty(t, sub)

	clock.Advance(2 * time.Minute)
	fresh := next(t, sub)
	if fresh.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", fresh.Attempt)
	}

	// The superseded delivery can no longer settle the message.
	if err := stale.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Backlog(ctx, "t", "g"); n != 1 {
		t.Fatalf("Backlog after stale ack = %d, want 1", n)
	}
	if err := fresh.Ack(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Backlog(ctx, "t", "g"); n != 0 {
		t.Fatalf("Backlog = %d, want 0", n)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))

	coord, _ := b.Subscribe(ctx, "status-updates", "coordinator-agent-group")
	audit, _ := b.Subscribe(ctx, "status-updates", "audit")
	_ = b.Publish(ctx, "status-updates", "req-1", []byte("ev"))

	d1 := next(t, coord)
	d2 := next(t, audit)
	if string(d1.Payload) != "ev" || string(d2.Payload) != "ev" {
		t.Fatal("each group should receive the message")
	}
	_ = d1.Ack(ctx)
	if n, _ := b.Backlog(ctx, "status-updates", "audit"); n != 1 {
		t.Fatalf("audit backlog = %d, want 1", n)
	}
}

func TestOneMemberPerMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.New(memory.WithPollInterval(5 * time.Millisecond))

	const messages = 50
	for i := range messages {
		_ = b.Publish(ctx, "t", string(rune('a'+i%26))+string(rune('0'+i/26)), []byte{byte(i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[byte]int)
		wg   sync.WaitGroup
	)
	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	for range 4 {
		sub, _ := b.Subscribe(ctx, "t", "g")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := sub.Next(runCtx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.Payload[0]]++
				mu.Unlock()
				_ = d.Ack(ctx)
			}
		}()
	}
	wg.Wait()

	if len(seen) != messages {
		t.Fatalf("delivered %d distinct messages, want %d", len(seen), messages)
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("message %d delivered %d times", k, n)
		}
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := memory.New()
	sub, _ := b.Subscribe(ctx, "t", "g")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, pipeline.ErrClosed) {
			t.Fatalf("Next = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}

	if err := b.Publish(ctx, "t", "k", nil); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("Publish after Close = %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, pipeline.ErrClosed) {
		t.Errorf("Ping after Close = %v", err)
	}
}
