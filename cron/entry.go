package cron

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Entry is a registered cron definition and its run bookkeeping.
type Entry struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs"`
	Enabled   bool       `json:"enabled"`

	run     Func
	sched   cronlib.Schedule
	running bool
}
