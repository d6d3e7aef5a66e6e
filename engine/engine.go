package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/bus"
	"github.com/ianlintner/AI-Pipeline/coordinator"
	"github.com/ianlintner/AI-Pipeline/cron"
	"github.com/ianlintner/AI-Pipeline/dlq"
	"github.com/ianlintner/AI-Pipeline/ext"
	"github.com/ianlintner/AI-Pipeline/message"
	mw "github.com/ianlintner/AI-Pipeline/middleware"
	"github.com/ianlintner/AI-Pipeline/observability"
	"github.com/ianlintner/AI-Pipeline/stage"
	"github.com/ianlintner/AI-Pipeline/store"
	"github.com/ianlintner/AI-Pipeline/throttle"
	"github.com/ianlintner/AI-Pipeline/worker"
)

const instrumentationName = "github.com/ianlintner/AI-Pipeline"

// Scheduler entry names.
const (
	EntrySweep = "timeout-sweep"
	EntryPurge = "retention-purge"
)

// Engine runs a Coordinator and stage harnesses over one store and bus.
type Engine struct {
	store      store.Store
	bus        bus.Bus
	cfg        pipeline.Config
	extensions *ext.Registry
	pending    []ext.Extension
	logger     *slog.Logger
	now        func() time.Time

	stageFns      map[message.Stage]stage.Func
	stageTimeouts map[message.Stage]time.Duration
	retry         *worker.RetryPolicy
	workerOpts    []worker.Option
	mws           []mw.Middleware
	throttles     []throttle.Config
	noCoordinator bool
	direct        bool
	useDLQ        bool

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	coord     *coordinator.Coordinator
	scheduler *cron.Scheduler
	harnesses []*worker.Harness
	throttle  *throttle.Manager
	dlq       *dlq.Service
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source of the Coordinator and harnesses.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pending = append(e.pending, x) }
}

// WithStage runs a harness for s with fn.
func WithStage(s message.Stage, fn stage.Func) Option {
	return func(e *Engine) { e.stageFns[s] = fn }
}

// WithStages runs a harness for every stage in fns.
func WithStages(fns map[message.Stage]stage.Func) Option {
	return func(e *Engine) {
		for s, fn := range fns {
			e.stageFns[s] = fn
		}
	}
}

// WithStageTimeout overrides the per-call bound for one stage.
func WithStageTimeout(s message.Stage, d time.Duration) Option {
	return func(e *Engine) { e.stageTimeouts[s] = d }
}

// WithRetryPolicy sets the harness retry policy. Defaults to
// cfg.MaxAttempts with jittered exponential backoff.
func WithRetryPolicy(p worker.RetryPolicy) Option {
	return func(e *Engine) { e.retry = &p }
}

// WithWorkerOptions passes extra options to every harness.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(e *Engine) { e.workerOpts = append(e.workerOpts, opts...) }
}

// WithMiddleware adds middleware to the harness chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithThrottle registers per-stage rate limiting and concurrency
// configurations. Stages not listed have no limits.
func WithThrottle(configs ...throttle.Config) Option {
	return func(e *Engine) { e.throttles = append(e.throttles, configs...) }
}

// WithoutCoordinator runs only stage harnesses, for worker processes.
func WithoutCoordinator() Option {
	return func(e *Engine) { e.noCoordinator = true }
}

// WithDirectChaining makes harnesses publish next-stage Tasks themselves.
func WithDirectChaining() Option {
	return func(e *Engine) { e.direct = true }
}

// WithDLQ publishes tasks that exhausted their retries to the dead letter
// topics.
func WithDLQ() Option {
	return func(e *Engine) { e.useDLQ = true }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// Both the metrics middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New builds an Engine. Nothing runs until Start.
func New(s store.Store, b bus.Bus, cfg pipeline.Config, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, pipeline.ErrNoStore
	}
	if b == nil {
		return nil, pipeline.ErrNoBus
	}

	eng := &Engine{
		store:         s,
		bus:           b,
		cfg:           cfg,
		logger:        slog.Default(),
		stageFns:      make(map[message.Stage]stage.Func),
		stageTimeouts: make(map[message.Stage]time.Duration),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.extensions = ext.NewRegistry(eng.logger)
	for _, x := range eng.pending {
		eng.extensions.Register(x)
	}

	// Register the observability metrics extension.
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter(instrumentationName + "/observability")
		eng.extensions.Register(observability.NewMetricsExtensionWithMeter(meter))
	} else {
		eng.extensions.Register(observability.NewMetricsExtension())
	}

	if eng.useDLQ {
		eng.dlq = dlq.NewService(b)
	}
	if len(eng.throttles) > 0 {
		eng.throttle = throttle.NewManager(eng.throttles...)
	}

	if err := eng.buildHarnesses(); err != nil {
		return nil, err
	}
	if !eng.noCoordinator {
		if err := eng.buildCoordinator(); err != nil {
			return nil, err
		}
	}
	if eng.coord == nil && len(eng.harnesses) == 0 {
		return nil, errors.New("engine: nothing to run, no coordinator and no stages")
	}
	return eng, nil
}

func (eng *Engine) buildHarnesses() error {
	for s := range eng.stageFns {
		if !s.Valid() {
			return fmt.Errorf("engine: unknown stage %q", s)
		}
	}

	// Build tracing and metrics middleware (custom provider or global).
	var tracingMw, metricsMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default stack: tracing → metrics → logging → throttle, then the
	// harness's own timeout and recover.
	chain := []mw.Middleware{tracingMw, metricsMw, mw.Logging(eng.logger)}
	if eng.throttle != nil {
		chain = append(chain, eng.throttle.Middleware())
	}
	chain = append(chain, eng.mws...)

	policy := worker.NewRetryPolicy(eng.cfg.MaxAttempts, time.Second, 30*time.Second, 0.5)
	if eng.retry != nil {
		policy = *eng.retry
	}

	for _, s := range message.Order {
		fn, ok := eng.stageFns[s]
		if !ok {
			continue
		}
		timeout := eng.cfg.StageTimeout
		if d, ok := eng.stageTimeouts[s]; ok {
			timeout = d
		}

		opts := []worker.Option{
			worker.WithRetryPolicy(policy),
			worker.WithStageTimeout(timeout),
			worker.WithConcurrency(eng.cfg.Concurrency),
			worker.WithExtensions(eng.extensions),
			worker.WithMiddleware(chain...),
			worker.WithLogger(eng.logger),
		}
		if eng.now != nil {
			opts = append(opts, worker.WithClock(eng.now))
		}
		if eng.dlq != nil {
			opts = append(opts, worker.WithDLQ(eng.dlq))
		}
		if eng.direct {
			opts = append(opts, worker.WithDirectChaining())
		}
		opts = append(opts, eng.workerOpts...)

		h, err := worker.New(s, fn, eng.bus, opts...)
		if err != nil {
			return fmt.Errorf("engine: %s harness: %w", s, err)
		}
		eng.harnesses = append(eng.harnesses, h)
	}
	return nil
}

func (eng *Engine) buildCoordinator() error {
	opts := []coordinator.Option{
		coordinator.WithLogger(eng.logger),
		coordinator.WithExtensions(eng.extensions),
	}
	if eng.now != nil {
		opts = append(opts, coordinator.WithClock(eng.now))
	}
	if eng.direct {
		opts = append(opts, coordinator.WithDirectChaining())
	}
	c, err := coordinator.New(eng.store, eng.bus, eng.cfg, opts...)
	if err != nil {
		return err
	}
	eng.coord = c

	eng.scheduler = cron.NewScheduler(eng.extensions, eng.logger, cron.WithRunTimeout(eng.cfg.DefaultDeadline))
	if err := eng.scheduler.Register(cron.Definition{
		Name:     EntrySweep,
		Schedule: eng.cfg.SweepSchedule,
		Run: func(ctx context.Context) error {
			_, err := c.Sweep(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	if _, ok := eng.store.(store.Purger); ok {
		if err := eng.scheduler.Register(cron.Definition{
			Name:     EntryPurge,
			Schedule: eng.cfg.PurgeSchedule,
			Run: func(ctx context.Context) error {
				_, err := c.Purge(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the harnesses, the Coordinator and the scheduler. It
// returns immediately. If any component fails to start, the ones already
// started are stopped.
func (eng *Engine) Start(ctx context.Context) error {
	var started []func(context.Context) error
	rollback := func(cause error) error {
		stopCtx, cancel := context.WithTimeout(context.Background(), eng.cfg.ShutdownTimeout)
		defer cancel()
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i](stopCtx)
		}
		return cause
	}

	for _, h := range eng.harnesses {
		if err := h.Start(ctx); err != nil {
			return rollback(fmt.Errorf("start %s harness: %w", h.Stage(), err))
		}
		started = append(started, h.Stop)
	}
	if eng.coord != nil {
		if err := eng.coord.Start(ctx); err != nil {
			return rollback(fmt.Errorf("start coordinator: %w", err))
		}
		started = append(started, eng.coord.Stop)

		if err := eng.scheduler.Start(ctx); err != nil {
			return rollback(fmt.Errorf("start cron scheduler: %w", err))
		}
	}

	eng.logger.Info("engine started",
		slog.Int("stages", len(eng.harnesses)),
		slog.Bool("coordinator", eng.coord != nil),
		slog.Bool("direct_chaining", eng.direct),
	)
	return nil
}

// Stop gracefully shuts down the engine: the scheduler first, then the
// Coordinator and every harness in parallel.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.scheduler != nil {
		if err := eng.scheduler.Stop(ctx); err != nil {
			eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if eng.coord != nil {
		g.Go(func() error { return eng.coord.Stop(gctx) })
	}
	for _, h := range eng.harnesses {
		g.Go(func() error { return h.Stop(gctx) })
	}
	err := g.Wait()

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return err
}

// Run starts the engine, blocks until ctx is done and stops it within
// cfg.ShutdownTimeout.
func (eng *Engine) Run(ctx context.Context) error {
	if err := eng.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), eng.cfg.ShutdownTimeout)
	defer cancel()
	return eng.Stop(stopCtx)
}

// Coordinator returns the Coordinator, or nil for worker-only engines.
func (eng *Engine) Coordinator() *coordinator.Coordinator { return eng.coord }

// Scheduler returns the maintenance scheduler, or nil for worker-only
// engines.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Harnesses returns the stage harnesses in pipeline order.
func (eng *Engine) Harnesses() []*worker.Harness { return eng.harnesses }

// DLQService returns the dead letter service, or nil when disabled.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlq }

// Throttle returns the throttle manager, or nil when no limits were
// configured.
func (eng *Engine) Throttle() *throttle.Manager { return eng.throttle }
