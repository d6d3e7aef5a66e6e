package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/backoff"
	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/ext"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/report"
	"github.com/ianlintner/AI-Pipeline/request"
	"github.com/ianlintner/AI-Pipeline/store"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(c *Coordinator) { c.extensions = r }
}

// WithDirectChaining stops the Coordinator from publishing next-stage
// Tasks. Use it only when every harness runs with worker.WithDirectChaining.
func WithDirectChaining() Option {
	return func(c *Coordinator) { c.direct = true }
}

// WithPublishRetry sets the retry budget for transient publish failures.
// The strategy also spaces redeliveries of status events that failed
// transiently.
func WithPublishRetry(attempts int, s backoff.Strategy) Option {
	return func(c *Coordinator) {
		c.publishAttempts = attempts
		c.publishBackoff = s
	}
}

// Coordinator drives requests through the pipeline.
type Coordinator struct {
	store      store.Store
	bus        bus.Bus
	cfg        pipeline.Config
	extensions *ext.Registry
	direct     bool
	logger     *slog.Logger
	now        func() time.Time

	publishAttempts int
	publishBackoff  backoff.Strategy

	mu      sync.Mutex
	running bool
	sub     bus.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Coordinator over s and b.
func New(s store.Store, b bus.Bus, cfg pipeline.Config, opts ...Option) (*Coordinator, error) {
	if s == nil {
		return nil, pipeline.ErrNoStore
	}
	if b == nil {
		return nil, pipeline.ErrNoBus
	}
	c := &Coordinator{
		store:           s,
		bus:             b,
		cfg:             cfg,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		publishAttempts: 5,
		publishBackoff:  backoff.DefaultStrategy(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.CASAttempts < 1 {
		c.cfg.CASAttempts = 1
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// Submit
// ──────────────────────────────────────────────────

// Submit validates rep, creates its request in Submitted and publishes the
// first stage Task. It fails with a *pipeline.ValidationError on malformed
// input and with pipeline.ErrDuplicateRequest when the bug report already
// has a request in flight.
func (c *Coordinator) Submit(ctx context.Context, rep report.BugReport) (id.RequestID, error) {
	if err := rep.Validate(); err != nil {
		return id.Nil, err
	}

	now := c.now()
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = now
	}
	r := request.New(id.NewRequestID(), rep, now)
	if err := c.store.Create(ctx, r); err != nil {
		if errors.Is(err, pipeline.ErrDuplicateRequest) {
			return id.Nil, fmt.Errorf("%w: %s", pipeline.ErrDuplicateRequest, rep.ID)
		}
		return id.Nil, pipeline.Transient(fmt.Errorf("coordinator: create request: %w", err))
	}

	log := c.logger.With(
		slog.String("request_id", r.ID.String()),
		slog.String("bug_report_id", rep.ID),
	)
	c.extensions.EmitRequestSubmitted(ctx, r)

	if err := c.dispatch(ctx, r); err != nil {
		log.Error("first dispatch failed, failing request", slog.String("error", err.Error()))
		c.fail(ctx, r.ID, fmt.Sprintf("dispatch %s: %s", message.StageTriage, err))
		return id.Nil, err
	}

	log.Info("request submitted")
	return r.ID, nil
}

// fail moves a request to Failed outside of a stage result.
func (c *Coordinator) fail(ctx context.Context, requestID id.RequestID, reason string) {
	updated, err := c.update(ctx, requestID, func(r *request.RequestState) error {
		return r.Fail(c.now(), reason)
	})
	if err != nil {
		c.logger.Error("failed to record request failure",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.finish(ctx, updated)
}

// ──────────────────────────────────────────────────
// Status events
// ──────────────────────────────────────────────────

// HandleStatusEvent merges ev into its request. Duplicate and stale events
// are discarded and return nil. A non-nil error is transient: the caller
// should leave the event for redelivery. Events for a stage the request has
// not reached yet are transient too, since the earlier stage's result may
// still be in flight.
func (c *Coordinator) HandleStatusEvent(ctx context.Context, ev *message.StatusEvent) error {
	log := c.logger.With(
		slog.String("request_id", ev.RequestID.String()),
		slog.String("stage", ev.Stage.String()),
		slog.String("outcome", string(ev.Outcome)),
		slog.Int64("sequence", ev.Sequence),
	)

	var (
		tr   request.Transition
		prev *request.RequestState
	)
	updated, err := c.updateWith(ctx, ev.RequestID, func(cur *request.RequestState) request.Mutator {
		prev = cur
		return func(r *request.RequestState) error {
			var applyErr error
			tr, applyErr = r.Apply(*ev, c.now())
			return applyErr
		}
	})

	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNotFound):
		log.Warn("status event for unknown request discarded", slog.String("anomaly", "unknown_request"))
		c.extensions.EmitEventDiscarded(ctx, ev, err)
		return nil
	case errors.Is(err, pipeline.ErrDuplicateEvent):
		log.Debug("duplicate status event discarded")
		c.extensions.EmitEventDiscarded(ctx, ev, err)
		return c.redispatch(ctx, prev, ev)
	case errors.Is(err, pipeline.ErrAheadOfStage):
		log.Info("status event ahead of request, leaving for redelivery",
			slog.String("error", err.Error()),
		)
		return pipeline.Transient(fmt.Errorf("coordinator: apply %s %s: %w", ev.Stage, ev.Outcome, err))
	case errors.Is(err, pipeline.ErrStaleWrite):
		log.Warn("stale status event discarded",
			slog.String("anomaly", "stale_write"),
			slog.String("error", err.Error()),
		)
		c.extensions.EmitEventDiscarded(ctx, ev, err)
		return nil
	default:
		return pipeline.Transient(fmt.Errorf("coordinator: apply %s %s: %w", ev.Stage, ev.Outcome, err))
	}

	if tr.Advanced() {
		c.extensions.EmitRequestAdvanced(ctx, updated, tr.From)
		log.Info("request advanced",
			slog.String("from", string(tr.From)),
			slog.String("to", string(tr.To)),
		)
	}
	if tr.Terminal {
		c.finish(ctx, updated)
		return nil
	}
	if tr.Dispatch != "" && !c.direct {
		if err := c.dispatch(ctx, updated); err != nil {
			// The event is redelivered, found to be a duplicate, and the
			// dispatch retried from redispatch.
			return err
		}
	}
	return nil
}

// redispatch republishes the current Task when a duplicate success shows
// the request advanced but its next stage never reported back. Workers
// answer repeated Tasks from their idempotency guard.
func (c *Coordinator) redispatch(ctx context.Context, r *request.RequestState, ev *message.StatusEvent) error {
	if c.direct || r == nil || ev.Outcome != message.OutcomeSucceeded || !r.AwaitingPickup() {
		return nil
	}
	if r.CurrentStage.Stage() == ev.Stage || r.CurrentStage == request.StateSubmitted {
		return nil
	}
	c.logger.Info("re-dispatching stage awaiting pickup",
		slog.String("request_id", r.ID.String()),
		slog.String("stage", r.CurrentStage.Stage().String()),
		slog.Int64("sequence", r.DispatchSeq),
	)
	return c.dispatch(ctx, r)
}

// finish runs the terminal bookkeeping: hooks, logging and retention TTL.
func (c *Coordinator) finish(ctx context.Context, r *request.RequestState) {
	log := c.logger.With(
		slog.String("request_id", r.ID.String()),
		slog.String("status", string(r.Status)),
		slog.Duration("processing_time", r.ProcessingTime),
	)
	switch r.Status {
	case request.StatusCompleted:
		c.extensions.EmitRequestCompleted(ctx, r, r.ProcessingTime)
		log.Info("request completed")
	case request.StatusFailed:
		c.extensions.EmitRequestFailed(ctx, r, r.ErrorMessage)
		log.Warn("request failed", slog.String("error", r.ErrorMessage))
	case request.StatusTimedOut:
		log.Warn("request timed out", slog.String("error", r.ErrorMessage))
	}

	if err := c.store.Expire(ctx, r.ID, c.cfg.Retention); err != nil {
		log.Error("failed to set retention TTL", slog.String("error", err.Error()))
	}
}

// ──────────────────────────────────────────────────
// Store and bus plumbing
// ──────────────────────────────────────────────────

// update re-reads and re-applies fn until the CAS succeeds or the attempt
// budget runs out.
func (c *Coordinator) update(ctx context.Context, requestID id.RequestID, fn request.Mutator) (*request.RequestState, error) {
	return c.updateWith(ctx, requestID, func(*request.RequestState) request.Mutator { return fn })
}

// updateWith is update with access to the state read before each attempt.
func (c *Coordinator) updateWith(ctx context.Context, requestID id.RequestID, mutator func(cur *request.RequestState) request.Mutator) (*request.RequestState, error) {
	for attempt := 1; attempt <= c.cfg.CASAttempts; attempt++ {
		cur, err := c.store.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		updated, err := c.store.CASUpdate(ctx, requestID, cur.Version, mutator(cur))
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, pipeline.ErrVersionConflict) {
			return nil, err
		}
		c.logger.Debug("version conflict, retrying",
			slog.String("request_id", requestID.String()),
			slog.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("%w: %d attempts on %s", pipeline.ErrVersionConflict, c.cfg.CASAttempts, requestID)
}

// dispatch publishes the Task for the request's current stage.
func (c *Coordinator) dispatch(ctx context.Context, r *request.RequestState) error {
	task := r.Task()
	data, err := message.Encode(task)
	if err != nil {
		return err
	}
	return c.publish(ctx, task.Stage.Topic(), r.ID.String(), data)
}

func (c *Coordinator) publish(ctx context.Context, topic, key string, payload []byte) error {
	err := backoff.Retry(ctx, c.publishBackoff, c.publishAttempts,
		func(err error) bool { return !errors.Is(err, pipeline.ErrClosed) },
		func(ctx context.Context) error { return c.bus.Publish(ctx, topic, key, payload) },
	)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("coordinator: publish %s: %w", topic, err))
	}
	return nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start consumes the status-updates topic under the coordinator group
// with cfg.Concurrency loops. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	sub, err := c.bus.Subscribe(ctx, message.TopicStatusUpdates, message.CoordinatorGroup)
	if err != nil {
		return fmt.Errorf("coordinator: subscribe: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.sub, c.cancel, c.running = sub, cancel, true

	n := max(c.cfg.Concurrency, 1)
	c.logger.Info("coordinator starting", slog.Int("concurrency", n))
	for range n {
		c.wg.Add(1)
		go c.loop(loopCtx, sub)
	}
	return nil
}

// Stop stops consuming and waits for in-flight events, up to ctx.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		c.logger.Info("coordinator stopped gracefully")
	case <-ctx.Done():
		c.logger.Warn("coordinator shutdown timed out")
		err = ctx.Err()
	}
	return errors.Join(err, c.sub.Close())
}

func (c *Coordinator) loop(ctx context.Context, sub bus.Subscription) {
	defer c.wg.Done()

	failures := 0
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrClosed) {
				return
			}
			failures++
			c.logger.Error("status fetch error", slog.String("error", err.Error()))
			if backoff.Sleep(ctx, c.publishBackoff.Delay(failures)) != nil {
				return
			}
			continue
		}
		failures = 0
		c.consume(ctx, d)
	}
}

// consume handles one delivery. A single request's failure never stops
// the loop.
func (c *Coordinator) consume(ctx context.Context, d *bus.Delivery) {
	ev, err := message.DecodeStatusEvent(d.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed status event",
			slog.String("delivery_id", d.ID),
			slog.String("anomaly", "malformed_event"),
			slog.String("error", err.Error()),
		)
		c.settle(ctx, d, d.Ack)
		return
	}

	if err := c.HandleStatusEvent(ctx, ev); err != nil {
		c.logger.Error("status event left for redelivery",
			slog.String("request_id", ev.RequestID.String()),
			slog.Int("delivery_attempt", d.Attempt),
			slog.String("error", err.Error()),
		)
		// Redelivery of transient failures is paced by the publish backoff.
		_ = backoff.Sleep(ctx, c.publishBackoff.Delay(max(d.Attempt, 1)))
		c.settle(ctx, d, d.Nack)
		return
	}
	c.settle(ctx, d, d.Ack)
}

func (c *Coordinator) settle(ctx context.Context, d *bus.Delivery, fn func(context.Context) error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		c.logger.Warn("settle delivery failed",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
}
