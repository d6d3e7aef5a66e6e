// Package observability provides an OpenTelemetry metrics extension for
// the pipeline. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for request submission, completion, failure,
// timeout, discarded events, stage retries, dead letters and maintenance
// runs.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
