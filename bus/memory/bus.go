// Package memory provides an in-process bus.Bus. Each topic is an
// append-only log; consumer groups track per-message delivery state over
// it. Intended for tests and the single-process run mode.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/bus"
)

// Compile-time interface check.
var _ bus.Bus = (*Bus)(nil)

// Option configures the Bus.
type Option func(*Bus)

// WithVisibilityTimeout sets how long a delivery stays in flight before it
// is handed out again.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Bus) { b.visibility = d }
}

// WithPollInterval bounds how long Next sleeps between checks for expired
// in-flight deliveries.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.poll = d }
}

// WithClock overrides the time source used for visibility deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

type entry struct {
	offset  int
	key     string
	payload []byte
}

type state struct {
	done     bool
	until    time.Time // in flight until; zero when ready
	attempts int
	gen      int
}

type group struct {
	states map[int]*state // by absolute offset
}

type topicLog struct {
	base    int // absolute offset of entries[0]
	entries []*entry
	groups  map[string]*group
}

// Bus is an in-memory bus.Bus. Safe for concurrent use.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topicLog
	wake       chan struct{}
	closed     bool
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
}

// New returns an empty in-memory bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:     make(map[string]*topicLog),
		wake:       make(chan struct{}),
		visibility: bus.DefaultVisibilityTimeout,
		poll:       100 * time.Millisecond,
		now:        time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// topic returns the log for name, creating it. Caller must hold mu.
func (b *Bus) topic(name string) *topicLog {
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{groups: make(map[string]*group)}
		b.topics[name] = t
	}
	return t
}

// broadcast wakes every waiting subscriber. Caller must hold mu.
func (b *Bus) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Publish appends payload to topic.
func (b *Bus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return pipeline.ErrClosed
	}
	t := b.topic(topic)
	t.entries = append(t.entries, &entry{
		offset:  t.base + len(t.entries),
		key:     key,
		payload: append([]byte(nil), payload...),
	})
	b.broadcast()
	return nil
}

// Subscribe joins group on topic. A new group starts at the oldest
// retained message.
func (b *Bus) Subscribe(_ context.Context, topic, groupName string) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, pipeline.ErrClosed
	}
	t := b.topic(topic)
	if _, ok := t.groups[groupName]; !ok {
		t.groups[groupName] = &group{states: make(map[int]*state)}
	}
	return &subscription{bus: b, topic: topic, group: groupName, done: make(chan struct{})}, nil
}

// Ping reports whether the bus is open.
func (b *Bus) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pipeline.ErrClosed
	}
	return nil
}

// Backlog counts retained messages group has not acknowledged.
func (b *Bus) Backlog(_ context.Context, topic, groupName string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0, nil
	}
	g := t.groups[groupName]
	var n int64
	for _, e := range t.entries {
		if g == nil || g.states[e.offset] == nil || !g.states[e.offset].done {
			n++
		}
	}
	return n, nil
}

// Close stops the bus; blocked subscribers return pipeline.ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

// claim hands out the next deliverable message for group, if any. Only
// the oldest unacknowledged message of each key is eligible, which keeps
// per-key order. Caller must hold mu.
func (b *Bus) claim(topic, groupName string) (*bus.Delivery, bool) {
	t := b.topics[topic]
	g := t.groups[groupName]
	now := b.now()

	blocked := make(map[string]bool)
	for _, e := range t.entries {
		st := g.states[e.offset]
		if st != nil && st.done {
			continue
		}
		if e.key != "" {
			if blocked[e.key] {
				continue
			}
			blocked[e.key] = true
		}
		if st == nil {
			st = &state{}
			g.states[e.offset] = st
		}
		if !st.until.IsZero() && now.Before(st.until) {
			continue
		}

		st.attempts++
		st.gen++
		st.until = now.Add(b.visibility)
		offset, gen := e.offset, st.gen

		d := bus.NewDelivery(topic, e.key, strconv.Itoa(offset), append([]byte(nil), e.payload...), st.attempts,
			func(context.Context) error { return b.settle(topic, groupName, offset, gen, true) },
			func(context.Context) error { return b.settle(topic, groupName, offset, gen, false) },
		)
		return d, true
	}
	return nil, false
}

// settle acks or nacks one delivery. Settling a delivery that was already
// superseded by a redelivery is a no-op.
func (b *Bus) settle(topic, groupName string, offset, gen int, ack bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[topic]
	st := t.groups[groupName].states[offset]
	if st == nil || st.done || st.gen != gen {
		return nil
	}
	if ack {
		st.done = true
		t.trim()
	} else {
		st.until = time.Time{}
	}
	b.broadcast()
	return nil
}

// trim drops the log prefix every group has acknowledged.
func (t *topicLog) trim() {
	n := 0
prefix:
	for _, e := range t.entries {
		for _, g := range t.groups {
			if st := g.states[e.offset]; st == nil || !st.done {
				break prefix
			}
		}
		n++
	}
	if n == 0 {
		return
	}
	for _, e := range t.entries[:n] {
		for _, g := range t.groups {
			delete(g.states, e.offset)
		}
	}
	t.entries = append([]*entry(nil), t.entries[n:]...)
	t.base += n
}

type subscription struct {
	bus   *Bus
	topic string
	group string

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscription) Next(ctx context.Context) (*bus.Delivery, error) {
	for {
		s.bus.mu.Lock()
		if s.bus.closed {
			s.bus.mu.Unlock()
			return nil, pipeline.ErrClosed
		}
		select {
		case <-s.done:
			s.bus.mu.Unlock()
			return nil, pipeline.ErrClosed
		default:
		}
		if d, ok := s.bus.claim(s.topic, s.group); ok {
			s.bus.mu.Unlock()
			return d, nil
		}
		wake := s.bus.wake
		s.bus.mu.Unlock()

		timer := time.NewTimer(s.bus.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.done:
			timer.Stop()
			return nil, pipeline.ErrClosed
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
