// Package cron runs the Coordinator's recurring maintenance: the timeout
// sweep and the retention purge.
//
// Entries are held in process. Every Coordinator instance may run its own
// scheduler because both tasks are idempotent: each state change goes
// through a compare-and-set update, so two sweeps racing on the same
// request time it out once.
//
// # Registering an Entry
//
//	s := cron.NewScheduler(registry, logger)
//	s.Register(cron.Definition{
//	    Name:     "timeout-sweep",
//	    Schedule: "@every 30s",
//	    Run:      func(ctx context.Context) error { _, err := coord.Sweep(ctx); return err },
//	})
//
// # Scheduler
//
// The [Scheduler] checks for due entries on every tick, runs each due
// entry on its own goroutine unless its previous run is still going, and
// records LastRunAt and NextRunAt. The ext.CronFired hook fires after each
// run.
package cron
