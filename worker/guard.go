package worker

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ianlintner/AI-Pipeline/message"
)

// DefaultGuardSize is how many finished tasks a harness remembers.
const DefaultGuardSize = 4096

// result is what the harness published for a finished task.
type result struct {
	status []byte // encoded terminal StatusEvent
	next   []byte // encoded next-stage Task, direct chaining only
}

// guard remembers the published result of recently finished tasks.
type guard struct {
	cache *lru.Cache[string, result]
}

func newGuard(size int) (*guard, error) {
	if size <= 0 {
		size = DefaultGuardSize
	}
	cache, err := lru.New[string, result](size)
	if err != nil {
		return nil, fmt.Errorf("worker: idempotency guard: %w", err)
	}
	return &guard{cache: cache}, nil
}

func guardKey(t *message.Task) string {
	return fmt.Sprintf("%s|%s|%d", t.RequestID, t.Stage, t.Sequence)
}

func (g *guard) get(t *message.Task) (result, bool) { return g.cache.Get(guardKey(t)) }

func (g *guard) put(t *message.Task, r result) { g.cache.Add(guardKey(t), r) }
