package cron

import "context"

// Func is the work a cron entry performs on each tick.
type Func func(ctx context.Context) error

// Definition describes a recurring task.
type Definition struct {
	// Name is the unique identifier for this cron entry.
	Name string
	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string
	// Run is called each time the schedule fires.
	Run Func
}
