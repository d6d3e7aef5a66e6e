// Package coordinator owns the workflow state of every submitted bug
// report.
//
// The Coordinator is stateless between calls: every request lives in the
// durable store as a [request.RequestState] and is mutated only through
// CASUpdate. Any number of Coordinator instances may consume the
// status-updates topic under the same consumer group; a losing writer
// re-reads and re-applies rather than overwriting.
//
// # Operations
//
//   - [Coordinator.Submit] validates a BugReport, creates its request and
//     publishes the first stage Task.
//   - [Coordinator.HandleStatusEvent] merges one StatusEvent and, when the
//     current stage succeeded, publishes the next stage Task.
//   - [Coordinator.Sweep] moves requests stuck past their stage deadline to
//     TimedOut. It is the only source of that transition.
//   - [Coordinator.GetStatus], [Coordinator.ListActive] and
//     [Coordinator.Health] serve the query surface.
//   - [Coordinator.Purge] drops expired terminal requests on stores that
//     do not evict them natively.
//
// Duplicate and stale events are never returned as errors. They are
// logged, reported through the EventDiscarded hook, and acknowledged.
package coordinator
