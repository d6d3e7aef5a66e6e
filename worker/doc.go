// Package worker provides the stage worker harness: a consumer-group
// member that pulls Tasks for one stage from the bus, runs the stage
// function through middleware with bounded retries, and reports the
// outcome on the status topic.
//
// The harness never touches the request store. Duplicate deliveries of a
// task it already finished are answered from an in-process guard keyed by
// (request id, stage, sequence): the cached status event is re-published
// and the delivery acknowledged without running the stage again.
//
//	h, err := worker.New(message.StageTriage, stage.Triage(svc), b,
//	    worker.WithRetryPolicy(worker.DefaultRetryPolicy()),
//	    worker.WithStageTimeout(60*time.Second),
//	    worker.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	defer h.Stop(ctx)
package worker
