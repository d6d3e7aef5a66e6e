package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/request"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// A nil *Registry is valid and emits nothing.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	requestSubmitted []entry[RequestSubmitted]
	requestAdvanced  []entry[RequestAdvanced]
	requestCompleted []entry[RequestCompleted]
	requestFailed    []entry[RequestFailed]
	requestTimedOut  []entry[RequestTimedOut]
	eventDiscarded   []entry[EventDiscarded]
	stageSucceeded   []entry[StageSucceeded]
	stageRetrying    []entry[StageRetrying]
	stageFailed      []entry[StageFailed]
	stageDLQ         []entry[StageDLQ]
	cronFired        []entry[CronFired]
	shutdown         []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(RequestSubmitted); ok {
		r.requestSubmitted = append(r.requestSubmitted, entry[RequestSubmitted]{name, h})
	}
	if h, ok := e.(RequestAdvanced); ok {
		r.requestAdvanced = append(r.requestAdvanced, entry[RequestAdvanced]{name, h})
	}
	if h, ok := e.(RequestCompleted); ok {
		r.requestCompleted = append(r.requestCompleted, entry[RequestCompleted]{name, h})
	}
	if h, ok := e.(RequestFailed); ok {
		r.requestFailed = append(r.requestFailed, entry[RequestFailed]{name, h})
	}
	if h, ok := e.(RequestTimedOut); ok {
		r.requestTimedOut = append(r.requestTimedOut, entry[RequestTimedOut]{name, h})
	}
	if h, ok := e.(EventDiscarded); ok {
		r.eventDiscarded = append(r.eventDiscarded, entry[EventDiscarded]{name, h})
	}
	if h, ok := e.(StageSucceeded); ok {
		r.stageSucceeded = append(r.stageSucceeded, entry[StageSucceeded]{name, h})
	}
	if h, ok := e.(StageRetrying); ok {
		r.stageRetrying = append(r.stageRetrying, entry[StageRetrying]{name, h})
	}
	if h, ok := e.(StageFailed); ok {
		r.stageFailed = append(r.stageFailed, entry[StageFailed]{name, h})
	}
	if h, ok := e.(StageDLQ); ok {
		r.stageDLQ = append(r.stageDLQ, entry[StageDLQ]{name, h})
	}
	if h, ok := e.(CronFired); ok {
		r.cronFired = append(r.cronFired, entry[CronFired]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

// ──────────────────────────────────────────────────
// Request event emitters
// ──────────────────────────────────────────────────

// EmitRequestSubmitted notifies all extensions that implement RequestSubmitted.
func (r *Registry) EmitRequestSubmitted(ctx context.Context, req *request.RequestState) {
	if r == nil {
		return
	}
	for _, e := range r.requestSubmitted {
		if err := e.hook.OnRequestSubmitted(ctx, req); err != nil {
			r.logHookError("OnRequestSubmitted", e.name, err)
		}
	}
}

// EmitRequestAdvanced notifies all extensions that implement RequestAdvanced.
func (r *Registry) EmitRequestAdvanced(ctx context.Context, req *request.RequestState, from request.State) {
	if r == nil {
		return
	}
	for _, e := range r.requestAdvanced {
		if err := e.hook.OnRequestAdvanced(ctx, req, from); err != nil {
			r.logHookError("OnRequestAdvanced", e.name, err)
		}
	}
}

// EmitRequestCompleted notifies all extensions that implement RequestCompleted.
func (r *Registry) EmitRequestCompleted(ctx context.Context, req *request.RequestState, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.requestCompleted {
		if err := e.hook.OnRequestCompleted(ctx, req, elapsed); err != nil {
			r.logHookError("OnRequestCompleted", e.name, err)
		}
	}
}

// EmitRequestFailed notifies all extensions that implement RequestFailed.
func (r *Registry) EmitRequestFailed(ctx context.Context, req *request.RequestState, reason string) {
	if r == nil {
		return
	}
	for _, e := range r.requestFailed {
		if err := e.hook.OnRequestFailed(ctx, req, reason); err != nil {
			r.logHookError("OnRequestFailed", e.name, err)
		}
	}
}

// EmitRequestTimedOut notifies all extensions that implement RequestTimedOut.
func (r *Registry) EmitRequestTimedOut(ctx context.Context, req *request.RequestState, stage message.Stage) {
	if r == nil {
		return
	}
	for _, e := range r.requestTimedOut {
		if err := e.hook.OnRequestTimedOut(ctx, req, stage); err != nil {
			r.logHookError("OnRequestTimedOut", e.name, err)
		}
	}
}

// EmitEventDiscarded notifies all extensions that implement EventDiscarded.
func (r *Registry) EmitEventDiscarded(ctx context.Context, ev *message.StatusEvent, reason error) {
	if r == nil {
		return
	}
	for _, e := range r.eventDiscarded {
		if err := e.hook.OnEventDiscarded(ctx, ev, reason); err != nil {
			r.logHookError("OnEventDiscarded", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Stage event emitters
// ──────────────────────────────────────────────────

// EmitStageSucceeded notifies all extensions that implement StageSucceeded.
func (r *Registry) EmitStageSucceeded(ctx context.Context, task *message.Task, attempts int, elapsed time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.stageSucceeded {
		if err := e.hook.OnStageSucceeded(ctx, task, attempts, elapsed); err != nil {
			r.logHookError("OnStageSucceeded", e.name, err)
		}
	}
}

// EmitStageRetrying notifies all extensions that implement StageRetrying.
func (r *Registry) EmitStageRetrying(ctx context.Context, task *message.Task, attempt int, delay time.Duration) {
	if r == nil {
		return
	}
	for _, e := range r.stageRetrying {
		if err := e.hook.OnStageRetrying(ctx, task, attempt, delay); err != nil {
			r.logHookError("OnStageRetrying", e.name, err)
		}
	}
}

// EmitStageFailed notifies all extensions that implement StageFailed.
func (r *Registry) EmitStageFailed(ctx context.Context, task *message.Task, stageErr error) {
	if r == nil {
		return
	}
	for _, e := range r.stageFailed {
		if err := e.hook.OnStageFailed(ctx, task, stageErr); err != nil {
			r.logHookError("OnStageFailed", e.name, err)
		}
	}
}

// EmitStageDLQ notifies all extensions that implement StageDLQ.
func (r *Registry) EmitStageDLQ(ctx context.Context, task *message.Task, stageErr error) {
	if r == nil {
		return
	}
	for _, e := range r.stageDLQ {
		if err := e.hook.OnStageDLQ(ctx, task, stageErr); err != nil {
			r.logHookError("OnStageDLQ", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitCronFired notifies all extensions that implement CronFired.
func (r *Registry) EmitCronFired(ctx context.Context, entryName string) {
	if r == nil {
		return
	}
	for _, e := range r.cronFired {
		if err := e.hook.OnCronFired(ctx, entryName); err != nil {
			r.logHookError("OnCronFired", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
