// Package dlq provides the dead letter topic for stage tasks that
// exhausted their attempts or failed permanently.
//
// When a stage gives up, the worker harness reports the failure to the
// Coordinator and calls [Service.Push], which publishes an [Entry] to
// "<topic>.dlq" keyed by request id. The original task payload, the final
// error and the attempt count are preserved for inspection.
//
// # Replay
//
// [Service.Replay] republishes the entry's task to its original topic.
// The Coordinator has already moved the request to Failed, so a replayed
// task only produces stale status events; replay is intended for
// re-running a stage function after a fix, for example against a
// resubmitted report.
package dlq
