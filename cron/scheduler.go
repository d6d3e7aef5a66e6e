package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Emitter emits cron lifecycle events.
// ext.Registry satisfies this interface via EmitCronFired.
type Emitter interface {
	EmitCronFired(ctx context.Context, entryName string)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithRunTimeout bounds each entry run. Zero disables the bound.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.runTimeout = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler runs registered entries on a tick loop.
type Scheduler struct {
	emitter      Emitter
	logger       *slog.Logger
	tickInterval time.Duration
	runTimeout   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. emitter may be nil.
func NewScheduler(emitter Emitter, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		emitter:      emitter,
		logger:       logger,
		tickInterval: 1 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		entries:      make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates def's schedule and adds it, enabled. Registering a
// name twice replaces the earlier entry.
func (s *Scheduler) Register(def Definition) error {
	if def.Name == "" || def.Run == nil {
		return fmt.Errorf("cron: definition needs a name and a run function")
	}
	sched, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("cron: invalid schedule %q for %s: %w", def.Schedule, def.Name, err)
	}

	next := sched.Next(s.now())
	s.mu.Lock()
	s.entries[def.Name] = &Entry{
		Name:      def.Name,
		Schedule:  def.Schedule,
		NextRunAt: &next,
		Enabled:   true,
		run:       def.Run,
		sched:     sched,
	}
	s.mu.Unlock()

	s.logger.Info("cron registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.Time("next_run_at", next),
	)
	return nil
}

// SetEnabled enables or disables an entry. It reports whether the entry
// exists.
func (s *Scheduler) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if ok {
		e.Enabled = enabled
	}
	return ok
}

// Entries returns a snapshot of the registered entries sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		cp := *e
		cp.run, cp.sched = nil, nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.tickLoop(s.stopCh)

	s.logger.Info("cron scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("entries", len(s.entries)),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for running entries to
// finish, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tickLoop fires on each tick interval and runs due entries.
func (s *Scheduler) tickLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Enabled || e.running {
			continue
		}
		if e.NextRunAt == nil || e.NextRunAt.After(now) {
			continue
		}
		e.running = true
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fireEntry(ctx, e, now)
		}()
	}
}

// RunNow runs the named entry immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if ok && e.running {
		s.mu.Unlock()
		return fmt.Errorf("cron: %s is already running", name)
	}
	if ok {
		e.running = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: no entry named %q", name)
	}
	return s.fireEntry(ctx, e, s.now())
}

func (s *Scheduler) fireEntry(ctx context.Context, e *Entry, now time.Time) error {
	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	start := time.Now()
	err := e.run(runCtx)

	s.mu.Lock()
	e.running = false
	e.LastRunAt = &now
	e.Runs++
	next := e.sched.Next(now)
	e.NextRunAt = &next
	e.LastError = ""
	if err != nil {
		e.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron run failed",
			slog.String("cron_name", e.Name),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("cron fired",
			slog.String("cron_name", e.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.Time("next_run_at", next),
		)
	}

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, e.Name)
	}
	return err
}
