// Package bus defines the message bus contract the pipeline runs on:
// keyed, at-least-once publish/subscribe with consumer groups and explicit
// acknowledgement. Backends: Memory, Redis Streams, and Kafka.
package bus

import (
	"context"
	"time"
)

// DefaultVisibilityTimeout is how long an unacknowledged delivery stays
// invisible to the rest of its group before it is redelivered.
const DefaultVisibilityTimeout = 30 * time.Second

// Bus publishes keyed messages to topics and hands them to consumer
// groups. Within a group each message goes to one member at a time and
// messages sharing a key are delivered in publish order.
type Bus interface {
	// Publish appends payload to topic under key.
	Publish(ctx context.Context, topic, key string, payload []byte) error

	// Subscribe joins group on topic, creating the group if needed.
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)

	// Ping checks connectivity to the broker.
	Ping(ctx context.Context) error

	// Backlog returns how many messages on topic group has not yet
	// acknowledged, or -1 when the backend cannot tell.
	Backlog(ctx context.Context, topic, group string) (int64, error)

	// Close releases broker connections.
	Close() error
}

// Subscription is one member of a consumer group.
type Subscription interface {
	// Next blocks until a delivery is available, ctx ends, or the
	// subscription is closed (pipeline.ErrClosed).
	Next(ctx context.Context) (*Delivery, error)

	// Close leaves the group. Unacknowledged deliveries become visible
	// to other members after the visibility timeout.
	Close() error
}

// Delivery is one message handed to a subscriber. Exactly one of Ack or
// Nack should be called once the message is handled.
type Delivery struct {
	Topic   string
	Key     string
	ID      string
	Payload []byte

	// Attempt counts deliveries of this message to the group, starting
	// at 1. Backends that cannot track it report 1.
	Attempt int

	ack  func(context.Context) error
	nack func(context.Context) error
}

// NewDelivery builds a Delivery whose Ack and Nack call the given
// functions. Either may be nil.
func NewDelivery(topic, key, id string, payload []byte, attempt int, ack, nack func(context.Context) error) *Delivery {
	return &Delivery{
		Topic:   topic,
		Key:     key,
		ID:      id,
		Payload: payload,
		Attempt: attempt,
		ack:     ack,
		nack:    nack,
	}
}

// Ack confirms the message was handled; it will not be redelivered.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack returns the message to the group for redelivery. Backends without
// negative acknowledgement redeliver after the visibility timeout.
func (d *Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}
