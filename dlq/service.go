package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
)

// Service publishes and replays dead letters over a bus.
type Service struct {
	bus bus.Bus
	now func() time.Time
}

// NewService creates a DLQ service.
func NewService(b bus.Bus) *Service {
	return &Service{bus: b, now: func() time.Time { return time.Now().UTC() }}
}

// Push builds an Entry from a failed task and publishes it to the dead
// letter topic of the stage.
func (s *Service) Push(ctx context.Context, task *message.Task, attempts int, stageErr error) (*Entry, error) {
	raw, err := message.Encode(task)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		ID:        id.NewDLQID(),
		RequestID: task.RequestID,
		Stage:     task.Stage,
		Sequence:  task.Sequence,
		Topic:     task.Stage.Topic(),
		Task:      raw,
		Error:     stageErr.Error(),
		Attempts:  attempts,
		FailedAt:  s.now(),
	}
	data, err := message.Encode(entry)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, Topic(entry.Topic), entry.RequestID.String(), data); err != nil {
		return nil, fmt.Errorf("dlq: push %s: %w", entry.RequestID, err)
	}
	return entry, nil
}

// Replay republishes the entry's task to its original topic.
func (s *Service) Replay(ctx context.Context, entry *Entry) error {
	if err := s.bus.Publish(ctx, entry.Topic, entry.RequestID.String(), entry.Task); err != nil {
		return fmt.Errorf("dlq: replay %s: %w", entry.ID, err)
	}
	return nil
}

// Subscribe reads the dead letter topic of stage under group.
func (s *Service) Subscribe(ctx context.Context, stage message.Stage, group string) (bus.Subscription, error) {
	return s.bus.Subscribe(ctx, Topic(stage.Topic()), group)
}
