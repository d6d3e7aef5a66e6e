package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/backoff"
	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/dlq"
	"github.com/ianlintner/AI-Pipeline/ext"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/middleware"
	"github.com/ianlintner/AI-Pipeline/stage"
)

// Option configures a Harness.
type Option func(*Harness)

// WithRetryPolicy sets how often the stage function is attempted.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(h *Harness) { h.policy = p }
}

// WithStageTimeout bounds each stage function call. Zero disables the
// bound.
func WithStageTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// WithConcurrency sets how many deliveries the harness processes in
// parallel.
func WithConcurrency(n int) Option {
	return func(h *Harness) { h.concurrency = n }
}

// WithGroup overrides the consumer group. Defaults to the stage's group.
func WithGroup(group string) Option {
	return func(h *Harness) { h.group = group }
}

// WithDirectChaining makes the harness publish the next stage's Task
// itself instead of leaving it to the Coordinator. The Coordinator must be
// configured the same way.
func WithDirectChaining() Option {
	return func(h *Harness) { h.direct = true }
}

// WithGuardSize sets how many finished tasks the idempotency guard keeps.
func WithGuardSize(n int) Option {
	return func(h *Harness) { h.guardSize = n }
}

// WithDLQ publishes tasks that gave up to the dead letter topic.
func WithDLQ(svc *dlq.Service) Option {
	return func(h *Harness) { h.dlq = svc }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(h *Harness) { h.extensions = r }
}

// WithMiddleware wraps every stage function attempt. The first middleware
// is the outermost. Panic recovery and the stage timeout always run
// innermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(h *Harness) { h.mws = append(h.mws, mws...) }
}

// WithPublishRetry sets the retry budget for transient publish failures.
func WithPublishRetry(attempts int, s backoff.Strategy) Option {
	return func(h *Harness) {
		h.publishAttempts = attempts
		h.publishBackoff = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

// Harness runs one stage function for every Task delivered to its
// consumer group.
type Harness struct {
	stage       message.Stage
	fn          stage.Func
	bus         bus.Bus
	group       string
	policy      RetryPolicy
	timeout     time.Duration
	concurrency int
	direct      bool
	guardSize   int
	guard       *guard
	dlq         *dlq.Service
	extensions  *ext.Registry
	mws         []middleware.Middleware
	mw          middleware.Middleware
	workerID    id.WorkerID
	logger      *slog.Logger
	now         func() time.Time

	publishAttempts int
	publishBackoff  backoff.Strategy

	mu          sync.Mutex
	running     bool
	sub         bus.Subscription
	cancelFetch context.CancelFunc
	cancelExec  context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a harness that runs fn for every Task of stage s.
func New(s message.Stage, fn stage.Func, b bus.Bus, opts ...Option) (*Harness, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("worker: unknown stage %q", s)
	}
	if b == nil {
		return nil, pipeline.ErrNoBus
	}
	h := &Harness{
		stage:           s,
		fn:              fn,
		bus:             b,
		group:           s.Group(),
		policy:          DefaultRetryPolicy(),
		concurrency:     1,
		workerID:        id.NewWorkerID(),
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		publishAttempts: 5,
		publishBackoff:  backoff.DefaultStrategy(),
	}
	for _, o := range opts {
		o(h)
	}

	g, err := newGuard(h.guardSize)
	if err != nil {
		return nil, err
	}
	h.guard = g
	h.logger = h.logger.With(
		slog.String("stage", s.String()),
		slog.String("worker_id", h.workerID.String()),
	)
	// Panics and overruns are always contained, innermost.
	chain := append(slices.Clone(h.mws), middleware.Timeout(), middleware.Recover(h.logger))
	h.mw = middleware.Chain(chain...)
	return h, nil
}

// Stage returns the stage this harness runs.
func (h *Harness) Stage() message.Stage { return h.stage }

// WorkerID returns the harness instance identifier.
func (h *Harness) WorkerID() id.WorkerID { return h.workerID }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start joins the consumer group and launches the delivery loops. It
// returns immediately.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	sub, err := h.bus.Subscribe(ctx, h.stage.Topic(), h.group)
	if err != nil {
		return fmt.Errorf("worker: subscribe %s/%s: %w", h.stage.Topic(), h.group, err)
	}

	fetchCtx, cancelFetch := context.WithCancel(context.Background())
	execCtx, cancelExec := context.WithCancel(context.Background())
	h.sub, h.cancelFetch, h.cancelExec = sub, cancelFetch, cancelExec
	h.running = true

	h.logger.Info("stage harness starting",
		slog.String("topic", h.stage.Topic()),
		slog.String("group", h.group),
		slog.Int("concurrency", h.concurrency),
	)

	for range max(h.concurrency, 1) {
		h.wg.Add(1)
		go h.loop(fetchCtx, execCtx, sub)
	}
	return nil
}

// Stop stops fetching, waits for in-flight tasks, and leaves the group.
// If ctx ends first, in-flight stage calls are cancelled and their
// deliveries are left for redelivery.
func (h *Harness) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	h.logger.Info("stage harness stopping")
	h.cancelFetch()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("stage harness stopped gracefully")
	case <-ctx.Done():
		h.logger.Warn("stage harness shutdown timed out, cancelling in-flight tasks")
		h.cancelExec()
		<-done
	}
	h.cancelExec()
	return h.sub.Close()
}

// Run starts the harness and blocks until ctx ends, then stops it within
// shutdownTimeout.
func (h *Harness) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Stop(stopCtx)
}

func (h *Harness) loop(fetchCtx, execCtx context.Context, sub bus.Subscription) {
	defer h.wg.Done()

	failures := 0
	for {
		d, err := sub.Next(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil || errors.Is(err, pipeline.ErrClosed) {
				return
			}
			failures++
			h.logger.Error("fetch error", slog.String("error", err.Error()))
			if backoff.Sleep(fetchCtx, h.publishBackoff.Delay(failures)) != nil {
				return
			}
			continue
		}
		failures = 0

		if err := h.Handle(execCtx, d); err != nil {
			h.logger.Debug("delivery left for redelivery",
				slog.String("delivery_id", d.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Delivery handling
// ──────────────────────────────────────────────────

// Handle processes one delivery. It acknowledges the delivery once a
// terminal status event for the task has been published. A non-nil error
// means the delivery was not acknowledged and will be redelivered.
func (h *Harness) Handle(ctx context.Context, d *bus.Delivery) error {
	task, err := message.DecodeTask(d.Payload)
	if err != nil {
		h.logger.Error("dropping malformed task",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
		return h.ack(ctx, d)
	}
	if task.Stage != h.stage {
		h.logger.Warn("dropping task for another stage",
			slog.String("request_id", task.RequestID.String()),
			slog.String("task_stage", task.Stage.String()),
		)
		return h.ack(ctx, d)
	}

	if cached, ok := h.guard.get(task); ok {
		h.logger.Debug("duplicate task, re-publishing cached result",
			slog.String("request_id", task.RequestID.String()),
			slog.Int64("sequence", task.Sequence),
			slog.Int("delivery_attempt", d.Attempt),
		)
		if err := h.publishResult(ctx, task, cached); err != nil {
			return h.nack(d, err)
		}
		return h.ack(ctx, d)
	}

	started := message.StatusEvent{
		ID:        id.NewEventID(),
		RequestID: task.RequestID,
		Stage:     task.Stage,
		Outcome:   message.OutcomeStarted,
		Sequence:  message.StartedSeq(task.Sequence),
		Timestamp: h.now(),
	}
	if err := h.publishEvent(ctx, &started); err != nil {
		return h.nack(d, err)
	}

	start := time.Now()
	payload, attempts, runErr := h.execute(ctx, task)
	if runErr != nil && ctx.Err() != nil {
		return h.nack(d, runErr)
	}

	var res result
	if runErr != nil {
		res, err = h.handleFailure(ctx, task, attempts, runErr)
	} else {
		res, err = h.handleSuccess(ctx, task, payload, attempts, time.Since(start))
	}
	if err != nil {
		return h.nack(d, err)
	}

	h.guard.put(task, res)
	return h.ack(ctx, d)
}

// execute runs the stage function through middleware until it succeeds,
// fails permanently, or the retry policy is exhausted. It returns the
// encoded output and the number of attempts made.
func (h *Harness) execute(ctx context.Context, task *message.Task) (json.RawMessage, int, error) {
	maxAttempts := h.policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		inv := &middleware.Invocation{
			RequestID:   task.RequestID,
			Stage:       task.Stage,
			Sequence:    task.Sequence,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Timeout:     h.timeout,
		}

		var out any
		err := h.mw(ctx, inv, func(ctx context.Context) error {
			var fnErr error
			out, fnErr = h.fn(ctx, task)
			return fnErr
		})
		if err == nil {
			payload, encErr := json.Marshal(out)
			if encErr != nil {
				return nil, attempt, stage.Permanent(fmt.Errorf("encode %s output: %w", task.Stage, encErr))
			}
			return payload, attempt, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, attempt, err
		}
		if stage.IsPermanent(err) || attempt == maxAttempts {
			return nil, attempt, err
		}

		delay := h.policy.delay(attempt)
		h.extensions.EmitStageRetrying(ctx, task, attempt, delay)
		h.logger.Info("stage attempt failed, retrying",
			slog.String("request_id", task.RequestID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if waitErr := backoff.Sleep(ctx, delay); waitErr != nil {
			return nil, attempt, waitErr
		}
	}
	return nil, maxAttempts, lastErr
}

// handleSuccess publishes the succeeded event carrying the stage output,
// and with direct chaining the next stage's Task.
func (h *Harness) handleSuccess(ctx context.Context, task *message.Task, payload json.RawMessage, attempts int, elapsed time.Duration) (result, error) {
	now := h.now()
	out := &message.StageOutput{
		RequestID:  task.RequestID,
		Stage:      task.Stage,
		Sequence:   message.OutcomeSeq(task.Sequence),
		Payload:    payload,
		ProducedAt: now,
	}
	ev := &message.StatusEvent{
		ID:        id.NewEventID(),
		RequestID: task.RequestID,
		Stage:     task.Stage,
		Outcome:   message.OutcomeSucceeded,
		Sequence:  out.Sequence,
		Timestamp: now,
		Attempts:  attempts,
		Output:    out,
	}

	var res result
	var err error
	if res.status, err = message.Encode(ev); err != nil {
		return result{}, err
	}
	if next, ok := task.Stage.Next(); ok && h.direct {
		nextTask := message.Task{
			RequestID: task.RequestID,
			Stage:     next,
			Sequence:  task.Sequence + 1,
			Report:    task.Report.Clone(),
			Outputs:   append(slices.Clone(task.Outputs), *out),
		}
		if res.next, err = message.Encode(nextTask); err != nil {
			return result{}, err
		}
	}

	if err := h.publishResult(ctx, task, res); err != nil {
		h.logger.Error("failed to publish stage result",
			slog.String("request_id", task.RequestID.String()),
			slog.String("error", err.Error()),
		)
		return result{}, err
	}

	h.extensions.EmitStageSucceeded(ctx, task, attempts, elapsed)
	h.logger.Info("stage succeeded",
		slog.String("request_id", task.RequestID.String()),
		slog.Int64("sequence", task.Sequence),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", elapsed),
	)
	return res, nil
}

// handleFailure publishes the failed event and dead-letters the task.
func (h *Harness) handleFailure(ctx context.Context, task *message.Task, attempts int, runErr error) (result, error) {
	stageErr := fmt.Errorf("%w: %s after %d attempt(s): %w", pipeline.ErrStageExecution, task.Stage, attempts, runErr)
	ev := &message.StatusEvent{
		ID:        id.NewEventID(),
		RequestID: task.RequestID,
		Stage:     task.Stage,
		Outcome:   message.OutcomeFailed,
		Sequence:  message.OutcomeSeq(task.Sequence),
		Timestamp: h.now(),
		Error:     stageErr.Error(),
		Attempts:  attempts,
	}
	status, err := message.Encode(ev)
	if err != nil {
		return result{}, err
	}
	res := result{status: status}
	if err := h.publishResult(ctx, task, res); err != nil {
		h.logger.Error("failed to publish stage failure",
			slog.String("request_id", task.RequestID.String()),
			slog.String("error", err.Error()),
		)
		return result{}, err
	}

	h.extensions.EmitStageFailed(ctx, task, stageErr)
	if h.dlq != nil {
		if _, dlqErr := h.dlq.Push(ctx, task, attempts, runErr); dlqErr != nil {
			h.logger.Error("failed to push task to DLQ",
				slog.String("request_id", task.RequestID.String()),
				slog.String("error", dlqErr.Error()),
			)
		} else {
			h.extensions.EmitStageDLQ(ctx, task, runErr)
		}
	}

	h.logger.Warn("stage failed",
		slog.String("request_id", task.RequestID.String()),
		slog.Int64("sequence", task.Sequence),
		slog.Int("attempts", attempts),
		slog.Bool("permanent", stage.IsPermanent(runErr)),
		slog.String("error", runErr.Error()),
	)
	return res, nil
}

// ──────────────────────────────────────────────────
// Publishing
// ──────────────────────────────────────────────────

func (h *Harness) publishResult(ctx context.Context, task *message.Task, res result) error {
	key := task.RequestID.String()
	if err := h.publish(ctx, message.TopicStatusUpdates, key, res.status); err != nil {
		return err
	}
	if res.next != nil {
		if err := h.publish(ctx, h.stage.OutputTopic(), key, res.next); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) publishEvent(ctx context.Context, ev *message.StatusEvent) error {
	data, err := message.Encode(ev)
	if err != nil {
		return err
	}
	return h.publish(ctx, message.TopicStatusUpdates, ev.RequestID.String(), data)
}

// publish retries transient bus failures with backoff.
func (h *Harness) publish(ctx context.Context, topic, key string, payload []byte) error {
	err := backoff.Retry(ctx, h.publishBackoff, h.publishAttempts,
		func(err error) bool { return !errors.Is(err, pipeline.ErrClosed) },
		func(ctx context.Context) error { return h.bus.Publish(ctx, topic, key, payload) },
	)
	if err != nil {
		return pipeline.Transient(fmt.Errorf("publish %s: %w", topic, err))
	}
	return nil
}

func (h *Harness) ack(ctx context.Context, d *bus.Delivery) error {
	if err := d.Ack(ctx); err != nil {
		h.logger.Warn("ack failed",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (h *Harness) nack(d *bus.Delivery, cause error) error {
	// The exec context may already be cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Nack(ctx); err != nil {
		h.logger.Warn("nack failed",
			slog.String("delivery_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
	return cause
}
