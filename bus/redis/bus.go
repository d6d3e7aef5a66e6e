// Package redis implements bus.Bus on Redis Streams. Each topic is a
// stream, consumer groups are stream groups, Ack is XACK, and a delivery
// left unacknowledged past the visibility timeout is reclaimed by another
// member with XAUTOCLAIM.
//
// Streams give per-group exclusivity but not per-key serialisation: two
// members may process messages with the same key concurrently. With
// Coordinator-gated chaining a request only ever has one stage in flight,
// and a status event that overtakes the result of an earlier stage is
// nacked until that result is applied. Direct chaining is refused on this
// bus by config validation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/id"
)

// Compile-time interface check.
var _ bus.Bus = (*Bus)(nil)

const streamPrefix = "pipeline:stream:"

// streamKey returns the stream backing topic: pipeline:stream:{topic}
func streamKey(topic string) string { return streamPrefix + topic }

// Option configures the Bus.
type Option func(*Bus)

// WithVisibilityTimeout sets the idle time after which a pending delivery
// is reclaimed.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Bus) { b.visibility = d }
}

// WithBlock sets how long one XREADGROUP call blocks waiting for data.
func WithBlock(d time.Duration) Option {
	return func(b *Bus) { b.block = d }
}

// WithMaxLen caps each stream at approximately n entries. Zero disables
// trimming.
func WithMaxLen(n int64) Option {
	return func(b *Bus) { b.maxLen = n }
}

// Bus is a Redis Streams bus.Bus.
type Bus struct {
	client     redis.UniversalClient
	visibility time.Duration
	block      time.Duration
	maxLen     int64
}

// New creates a Redis Streams bus. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Bus {
	b := &Bus{
		client:     client,
		visibility: bus.DefaultVisibilityTimeout,
		block:      time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish appends the message with XADD.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{"key": key, "payload": payload},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("pipeline/redis: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the group at the start of the stream if it does not
// exist and returns a member with a unique consumer name.
func (b *Bus) Subscribe(ctx context.Context, topic, group string) (bus.Subscription, error) {
	stream := streamKey(topic)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("pipeline/redis: create group %s/%s: %w", topic, group, err)
	}
	return &subscription{
		bus:      b,
		topic:    topic,
		stream:   stream,
		group:    group,
		consumer: id.NewWorkerID().String(),
		done:     make(chan struct{}),
	}, nil
}

// Ping verifies the Redis connection is alive.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Backlog is the group's lag (entries not yet read) plus its pending
// entries (read but not acknowledged).
func (b *Bus) Backlog(ctx context.Context, topic, group string) (int64, error) {
	groups, err := b.client.XInfoGroups(ctx, streamKey(topic)).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return -1, fmt.Errorf("pipeline/redis: backlog %s: %w", topic, err)
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		if g.Lag < 0 {
			return -1, nil
		}
		return g.Lag + g.Pending, nil
	}
	return b.client.XLen(ctx, streamKey(topic)).Result()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (b *Bus) Close() error { return nil }

type subscription struct {
	bus      *Bus
	topic    string
	stream   string
	group    string
	consumer string

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Next first reclaims deliveries idle past the visibility timeout, then
// reads new entries.
func (s *subscription) Next(ctx context.Context) (*bus.Delivery, error) {
	for {
		if s.closed() {
			return nil, pipeline.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, _, err := s.bus.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.bus.visibility,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("pipeline/redis: autoclaim %s: %w", s.topic, err)
		}
		if len(msgs) > 0 {
			return s.delivery(ctx, msgs[0], s.attempts(ctx, msgs[0].ID)), nil
		}

		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    s.bus.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pipeline/redis: read %s: %w", s.topic, err)
		}
		for _, st := range streams {
			if len(st.Messages) > 0 {
				return s.delivery(ctx, st.Messages[0], 1), nil
			}
		}
	}
}

// attempts reads the delivery count of a pending entry. It falls back to
// 2 because a reclaimed entry was delivered at least once before.
func (s *subscription) attempts(ctx context.Context, entryID string) int {
	pending, err := s.bus.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Start:  entryID,
		End:    entryID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func (s *subscription) delivery(_ context.Context, msg redis.XMessage, attempt int) *bus.Delivery {
	key, _ := msg.Values["key"].(string)
	payload, _ := msg.Values["payload"].(string)
	entryID := msg.ID

	return bus.NewDelivery(s.topic, key, entryID, []byte(payload), attempt,
		func(ctx context.Context) error {
			if err := s.bus.client.XAck(ctx, s.stream, s.group, entryID).Err(); err != nil {
				return fmt.Errorf("pipeline/redis: ack %s: %w", s.topic, err)
			}
			return nil
		},
		// Streams have no negative acknowledgement; the entry stays
		// pending and is reclaimed after the visibility timeout.
		nil,
	)
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
