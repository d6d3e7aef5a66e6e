// Package ext defines the extension system for the pipeline.
//
// Extensions are notified of lifecycle events and can react to them,
// recording metrics or writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnRequestCompleted(ctx context.Context, r *request.RequestState, elapsed time.Duration) error {
//	    log.Printf("request %s completed in %s", r.ID, elapsed)
//	    return nil
//	}
//
// # Request Lifecycle Hooks
//
//   - [RequestSubmitted]: request created and dispatched to triage
//   - [RequestAdvanced]: request moved forward
//   - [RequestCompleted]: issue created, request completed
//   - [RequestFailed]: a stage failed terminally
//   - [RequestTimedOut]: the sweep declared a stage overdue
//   - [EventDiscarded]: a duplicate or stale status event was dropped
//
// # Stage Lifecycle Hooks
//
//   - [StageSucceeded]: a stage function produced an output
//   - [StageRetrying]: an attempt failed and will be retried
//   - [StageFailed]: a stage gave up
//   - [StageDLQ]: the failed task was dead-lettered
//
// # Other Hooks
//
//   - [CronFired]: a maintenance entry (sweep, purge) ran
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
