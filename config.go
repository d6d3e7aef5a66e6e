package pipeline

import "time"

// Config holds the orchestration settings shared by the Coordinator and
// the stage workers.
type Config struct {
	// StageDeadlines bounds how long a request may stay in one stage
	// before the sweep declares it timed out. Keyed by stage name.
	StageDeadlines map[string]time.Duration

	// DefaultDeadline applies to stages missing from StageDeadlines.
	DefaultDeadline time.Duration

	// SweepSchedule is a cron expression or descriptor ("@every 30s")
	// for the timeout sweep.
	SweepSchedule string

	// PurgeSchedule drives removal of expired terminal requests on
	// stores that do not evict on their own.
	PurgeSchedule string

	// Retention is the TTL applied once a request is terminal.
	Retention time.Duration

	// MaxAttempts is how many times a stage function is invoked before
	// the stage is reported failed.
	MaxAttempts int

	// StageTimeout bounds a single stage function call.
	StageTimeout time.Duration

	// Concurrency is the number of deliveries a harness or the
	// Coordinator processes in parallel.
	Concurrency int

	// CASAttempts bounds re-read/re-apply loops on version conflicts.
	CASAttempts int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StageDeadlines:  map[string]time.Duration{},
		DefaultDeadline: 300 * time.Second,
		SweepSchedule:   "@every 30s",
		PurgeSchedule:   "@every 1h",
		Retention:       24 * time.Hour,
		MaxAttempts:     3,
		StageTimeout:    60 * time.Second,
		Concurrency:     4,
		CASAttempts:     8,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Deadline returns the configured deadline for stage.
func (c Config) Deadline(stage string) time.Duration {
	if d, ok := c.StageDeadlines[stage]; ok && d > 0 {
		return d
	}
	return c.DefaultDeadline
}
