package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/middleware"
)

// Config defines per-stage rate limiting and concurrency.
type Config struct {
	// Stage is the stage the limits apply to.
	Stage message.Stage

	// MaxConcurrency limits how many attempts of this stage may run
	// simultaneously in this process. Zero means no limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained attempts per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// stageState tracks runtime state for a single stage.
type stageState struct {
	config  Config
	limiter *rate.Limiter
	active  int
	freed   chan struct{} // closed and replaced on every Release
}

// Manager controls per-stage rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	stages map[message.Stage]*stageState
}

// NewManager creates a Manager with the given stage configurations.
// Stages not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{stages: make(map[message.Stage]*stageState, len(configs))}
	for _, cfg := range configs {
		m.stages[cfg.Stage] = newStageState(cfg)
	}
	return m
}

func newStageState(cfg Config) *stageState {
	ss := &stageState{config: cfg, freed: make(chan struct{})}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ss.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ss
}

// Acquire admits one attempt of stage if both limits allow it right now.
// The caller MUST call Release when the attempt completes.
func (m *Manager) Acquire(stage message.Stage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.stages[stage]
	if ss == nil {
		return true
	}
	if ss.config.MaxConcurrency > 0 && ss.active >= ss.config.MaxConcurrency {
		return false
	}
	if ss.limiter != nil && !ss.limiter.Allow() {
		return false
	}
	ss.active++
	return true
}

// Wait blocks until an attempt of stage is admitted or ctx ends. The
// caller MUST call Release after a nil return.
func (m *Manager) Wait(ctx context.Context, stage message.Stage) error {
	m.mu.Lock()
	ss := m.stages[stage]
	m.mu.Unlock()
	if ss == nil {
		return nil
	}

	if ss.limiter != nil {
		if err := ss.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		m.mu.Lock()
		// Re-read: SetConfig may have replaced the state while we slept.
		ss = m.stages[stage]
		if ss == nil || ss.config.MaxConcurrency <= 0 || ss.active < ss.config.MaxConcurrency {
			if ss != nil {
				ss.active++
			}
			m.mu.Unlock()
			return nil
		}
		freed := ss.freed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-freed:
		}
	}
}

// Release returns the slot taken by Acquire or Wait.
func (m *Manager) Release(stage message.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ss := m.stages[stage]; ss != nil && ss.active > 0 {
		ss.active--
		close(ss.freed)
		ss.freed = make(chan struct{})
	}
}

// SetConfig dynamically updates (or creates) a stage configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.stages[cfg.Stage]
	ss := newStageState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ss.active = existing.active
		close(existing.freed)
	}
	m.stages[cfg.Stage] = ss
}

// ActiveCount returns the current number of admitted attempts for stage.
func (m *Manager) ActiveCount(stage message.Stage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss := m.stages[stage]; ss != nil {
		return ss.active
	}
	return 0
}

// Middleware gates every stage attempt through Wait and Release.
func (m *Manager) Middleware() middleware.Middleware {
	return func(ctx context.Context, inv *middleware.Invocation, next middleware.Handler) error {
		if err := m.Wait(ctx, inv.Stage); err != nil {
			return err
		}
		defer m.Release(inv.Stage)
		return next(ctx)
	}
}
