package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/bus"
)

// subscription is one group member. It tracks the offsets it handed out
// per partition so commits never pass an unacknowledged message.
type subscription struct {
	topic string
	open  func() reader

	mu       sync.Mutex
	reader   reader
	gen      int                // bumped on every rewind
	inflight map[int][]*pending // by partition, in fetch order
	attempts map[offsetKey]int
	closed   bool
}

type pending struct {
	msg   kafkago.Message
	acked bool
}

type offsetKey struct {
	partition int
	offset    int64
}

func newSubscription(topic string, open func() reader) *subscription {
	return &subscription{
		topic:    topic,
		open:     open,
		reader:   open(),
		inflight: make(map[int][]*pending),
		attempts: make(map[offsetKey]int),
	}
}

func (s *subscription) Next(ctx context.Context) (*bus.Delivery, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, pipeline.ErrClosed
		}
		r, gen := s.reader, s.gen
		s.mu.Unlock()

		msg, err := r.FetchMessage(ctx)

		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return nil, pipeline.ErrClosed
		case gen != s.gen:
			// Rewound while fetching; read again from the new reader.
			s.mu.Unlock()
			continue
		case err != nil:
			s.mu.Unlock()
			if errors.Is(err, io.EOF) {
				return nil, pipeline.ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("pipeline/kafka: fetch %s: %w", s.topic, err)
		}

		p := &pending{msg: msg}
		s.inflight[msg.Partition] = append(s.inflight[msg.Partition], p)
		k := offsetKey{msg.Partition, msg.Offset}
		s.attempts[k]++
		attempt := s.attempts[k]
		s.mu.Unlock()

		deliveryID := fmt.Sprintf("%d:%d", msg.Partition, msg.Offset)
		return bus.NewDelivery(s.topic, string(msg.Key), deliveryID, msg.Value, attempt,
			func(ctx context.Context) error { return s.ack(ctx, gen, p) },
			func(context.Context) error { return s.nack(gen) },
		), nil
	}
}

// ack marks p handled and commits the acknowledged prefix of its
// partition.
func (s *subscription) ack(ctx context.Context, gen int, p *pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return nil
	}
	p.acked = true

	part := p.msg.Partition
	queue := s.inflight[part]
	n := 0
	for n < len(queue) && queue[n].acked {
		n++
	}
	if n == 0 {
		return nil
	}

	last := queue[n-1].msg
	if err := s.reader.CommitMessages(ctx, last); err != nil {
		return fmt.Errorf("pipeline/kafka: commit %s: %w", s.topic, err)
	}
	for _, done := range queue[:n] {
		delete(s.attempts, offsetKey{part, done.msg.Offset})
	}
	s.inflight[part] = queue[n:]
	return nil
}

// nack drops every uncommitted delivery and reopens the reader at the
// group's committed offsets.
func (s *subscription) nack(gen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return nil
	}

	old := s.reader
	s.reader = s.open()
	s.gen++
	s.inflight = make(map[int][]*pending)
	if err := old.Close(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("pipeline/kafka: rewind %s: %w", s.topic, err)
	}
	return nil
}

func (s *subscription) lag() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader.Stats().Lag
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.reader.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
