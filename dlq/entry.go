package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
)

// Suffix is appended to a stage topic to name its dead letter topic.
const Suffix = ".dlq"

// Topic returns the dead letter topic for topic.
func Topic(topic string) string { return topic + Suffix }

// Entry represents a stage task that has exhausted its attempts and been
// moved to the dead letter topic for inspection or replay.
type Entry struct {
	ID        id.DLQID        `json:"id"`
	RequestID id.RequestID    `json:"request_id"`
	Stage     message.Stage   `json:"stage"`
	Sequence  int64           `json:"sequence"`
	Topic     string          `json:"topic"`
	Task      json.RawMessage `json:"task"`
	Error     string          `json:"error"`
	Attempts  int             `json:"attempts"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Decode unmarshals a dead letter payload.
func Decode(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("dlq: decode entry: %w", err)
	}
	return &e, nil
}
