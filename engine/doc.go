// Package engine wires the pipeline subsystems together and runs them as
// one unit: the extension registry, the harness middleware chain, one
// stage harness per registered stage, the Coordinator and the
// maintenance scheduler.
//
// The engine package sits above every subsystem package and below the
// application layer, so the subsystems never import each other for
// wiring.
//
// # Building an Engine
//
//	svc := intel.WithTimeout(intel.NewHeuristic(), 30*time.Second)
//	trk := tracker.NewMock("example", "bug-tracker", 100*time.Millisecond)
//
//	eng, err := engine.New(store, bus, pipeline.DefaultConfig(),
//	    engine.WithStages(stage.Builtins(svc, trk)),
//	    engine.WithDLQ(),
//	    engine.WithLogger(logger),
//	)
//
// # Process Roles
//
// A single process can run everything. Split deployments run one
// Coordinator process and any number of worker processes:
//
//	// coordinator only
//	engine.New(store, bus, cfg)
//
//	// triage workers only
//	engine.New(store, bus, cfg,
//	    engine.WithoutCoordinator(),
//	    engine.WithStage(message.StageTriage, stage.Triage(svc)),
//	)
//
// # Scheduled Maintenance
//
// Engines with a Coordinator register two scheduler entries:
// [EntrySweep] times out requests past their stage deadline, and
// [EntryPurge] removes expired terminal requests on stores that do not
// evict them natively.
//
// # Options
//
//   - [WithStage], [WithStages]: stage functions to run harnesses for
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the harness chain
//   - [WithThrottle]: per-stage rate and concurrency limits
//   - [WithRetryPolicy], [WithStageTimeout]: harness retry and timeouts
//   - [WithDLQ]: dead-letter exhausted tasks
//   - [WithDirectChaining]: harnesses publish next-stage tasks
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
