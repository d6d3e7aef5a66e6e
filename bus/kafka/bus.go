// Package kafka implements bus.Bus on Apache Kafka with segmentio/kafka-go.
// Messages are partitioned by key hash, so per-key order holds within a
// consumer group.
//
// Kafka commits are cumulative, so a subscription only commits the longest
// run of acknowledged offsets on each partition; an acked message behind
// an unacked one waits. Nack closes the member's reader and opens a new
// one, which resumes from the last committed offset: the nacked message
// and everything fetched after it is delivered again. Acks of deliveries
// fetched before the rewind are ignored.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/bus"
)

// Compile-time interface check.
var _ bus.Bus = (*Bus)(nil)

// Bus is a Kafka bus.Bus.
type Bus struct {
	brokers []string
	writer  *kafkago.Writer

	newReader func(topic, group string) reader

	mu     sync.Mutex
	subs   map[string][]*subscription // by topic/group
	closed bool
}

// reader is the part of *kafkago.Reader a subscription uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Stats() kafkago.ReaderStats
	Close() error
}

// New creates a Kafka bus for the given bootstrap brokers.
func New(brokers []string) (*Bus, error) {
	if len(brokers) == 0 {
		return nil, errors.New("pipeline/kafka: no brokers configured")
	}
	b := &Bus{
		brokers: brokers,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		},
		subs: make(map[string][]*subscription),
	}
	b.newReader = b.groupReader
	return b, nil
}

func (b *Bus) groupReader(topic, group string) reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Publish writes one keyed message and waits for all in-sync replicas.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := b.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("pipeline/kafka: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins group on topic. Each subscription is a separate group
// member with its own reader and is assigned its own partitions.
func (b *Bus) Subscribe(_ context.Context, topic, group string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pipeline.ErrClosed
	}

	sub := newSubscription(topic, func() reader { return b.newReader(topic, group) })
	k := topic + "/" + group
	b.subs[k] = append(b.subs[k], sub)
	return sub, nil
}

// Ping dials the first reachable broker.
func (b *Bus) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("pipeline/kafka: ping: %w", lastErr)
}

// Backlog sums the lag reported by this process's readers for the group.
// It returns -1 when no local reader exists.
func (b *Bus) Backlog(_ context.Context, topic, group string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic+"/"+group]
	if len(subs) == 0 {
		return -1, nil
	}
	var lag int64
	for _, s := range subs {
		lag += s.lag()
	}
	return lag, nil
}

// Close flushes the writer and closes every reader.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	errs := []error{b.writer.Close()}
	for _, subs := range b.subs {
		for _, s := range subs {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

