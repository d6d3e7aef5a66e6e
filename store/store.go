// Package store defines the aggregate persistence interface for request
// documents. Backends: Memory, Redis, Postgres, and Mongo.
package store

import (
	"context"
	"time"

	"github.com/ianlintner/AI-Pipeline/request"
)

// Store is the aggregate persistence interface.
// A single backend implements the request document contract plus the
// lifecycle methods the engine needs.
type Store interface {
	request.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// Purger is implemented by backends that cannot evict expired terminal
// requests on their own. The retention schedule calls it periodically.
type Purger interface {
	// PurgeExpired deletes terminal requests whose TTL elapsed before
	// now and returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
