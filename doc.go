// Package pipeline is an asynchronous multi-stage workflow orchestrator for
// bug reports. A report moves through triage, ticket formatting and issue
// creation, each stage executed by independently scalable workers that
// talk to each other only over a message bus.
//
// # Architecture
//
// The Coordinator owns the request lifecycle. It keeps one RequestState
// document per request in a durable store and mutates it exclusively
// through compare-and-set, so any number of Coordinator instances may run
// side by side without a leader. Stage workers never touch the store; they
// consume tasks from a topic, run a pluggable stage function and report
// back on the shared status topic.
//
//	submit ─► bug-reports ─► triage worker ─┐
//	                                         ├─► status-updates ─► Coordinator ─► next topic
//	triage-results ─► ticket worker ────────┤
//	ticket-creation ─► issue worker ────────┘
//
// Delivery is at-least-once and may be reordered across keys. Every status
// event carries a per-stage sequence number and the Coordinator applies it
// with an idempotent merge, so duplicates and late events are no-ops.
//
// # Backends
//
// Stores: store/memory, store/redis, store/postgres, store/mongo.
// Buses: bus/memory, bus/redis (Streams), bus/kafka.
//
// All request IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package pipeline
