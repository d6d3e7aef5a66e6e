package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	pipeline "github.com/ianlintner/AI-Pipeline"
	redisbus "github.com/ianlintner/AI-Pipeline/bus/redis"
)

func newBus(t *testing.T, opts ...redisbus.Option) *redisbus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts = append([]redisbus.Option{redisbus.WithBlock(20 * time.Millisecond)}, opts...)
	return redisbus.New(client, opts...)
}

func TestPublishConsumeAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := newBus(t)

	sub, err := b.Subscribe(ctx, "triage-results", "ticket-creation-agent-group")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(ctx, "triage-results", "req-1", []byte(`{"stage":"ticket"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if d.Key != "req-1" || string(d.Payload) != `{"stage":"ticket"}` || d.Attempt != 1 {
		t.Fatalf("delivery = %+v", d)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestSubscribeTwiceSharesGroup(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	if _, err := b.Subscribe(ctx, "t", "g"); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, "t", "g"); err != nil {
		t.Fatalf("second Subscribe should tolerate BUSYGROUP: %v", err)
	}
}

func TestUnackedDeliveryIsReclaimed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := newBus(t, redisbus.WithVisibilityTimeout(50*time.Millisecond))

	crashed, _ := b.Subscribe(ctx, "t", "g")
	survivor, _ := b.Subscribe(ctx, "t", "g")
	_ = b.Publish(ctx, "t", "k", []byte("x"))

	if _, err := crashed.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	_ = crashed.Close()

	time.Sleep(100 * time.Millisecond)
	d, err := survivor.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(d.Payload) != "x" || d.Attempt < 2 {
		t.Fatalf("reclaimed delivery = %+v", d)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestClosedSubscription(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	sub, _ := b.Subscribe(ctx, "t", "g")
	_ = sub.Close()

	if _, err := sub.Next(ctx); !errors.Is(err, pipeline.ErrClosed) {
		t.Fatalf("Next after Close = %v, want ErrClosed", err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
