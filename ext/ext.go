// Package ext defines the extension system for the pipeline.
// Extensions are notified of lifecycle events (request submitted, stage
// retried, request completed, etc.) and can react to them: logging,
// metrics, tracing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/request"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Request lifecycle hooks (Coordinator)
// ──────────────────────────────────────────────────

// RequestSubmitted is called after a request is created and dispatched to
// its first stage.
type RequestSubmitted interface {
	OnRequestSubmitted(ctx context.Context, r *request.RequestState) error
}

// RequestAdvanced is called after a CAS update moved a request forward
// without reaching a terminal state.
type RequestAdvanced interface {
	OnRequestAdvanced(ctx context.Context, r *request.RequestState, from request.State) error
}

// RequestCompleted is called when the last stage succeeded.
type RequestCompleted interface {
	OnRequestCompleted(ctx context.Context, r *request.RequestState, elapsed time.Duration) error
}

// RequestFailed is called when a request reached Failed.
type RequestFailed interface {
	OnRequestFailed(ctx context.Context, r *request.RequestState, reason string) error
}

// RequestTimedOut is called when the sweep moved a request to TimedOut.
type RequestTimedOut interface {
	OnRequestTimedOut(ctx context.Context, r *request.RequestState, stage message.Stage) error
}

// EventDiscarded is called for status events the merge rejected as
// duplicate or stale.
type EventDiscarded interface {
	OnEventDiscarded(ctx context.Context, ev *message.StatusEvent, reason error) error
}

// ──────────────────────────────────────────────────
// Stage lifecycle hooks (worker harness)
// ──────────────────────────────────────────────────

// StageSucceeded is called after a stage function returned an output.
type StageSucceeded interface {
	OnStageSucceeded(ctx context.Context, task *message.Task, attempts int, elapsed time.Duration) error
}

// StageRetrying is called when an attempt failed and another is scheduled.
type StageRetrying interface {
	OnStageRetrying(ctx context.Context, task *message.Task, attempt int, delay time.Duration) error
}

// StageFailed is called when a stage exhausted its attempts or failed
// permanently.
type StageFailed interface {
	OnStageFailed(ctx context.Context, task *message.Task, err error) error
}

// StageDLQ is called when a failed task was written to the dead letter
// topic.
type StageDLQ interface {
	OnStageDLQ(ctx context.Context, task *message.Task, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CronFired is called when a scheduled maintenance entry runs.
type CronFired interface {
	OnCronFired(ctx context.Context, entryName string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
