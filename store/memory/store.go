// Package memory provides a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing, development and
// the single-process run mode.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/request"
	"github.com/ianlintner/AI-Pipeline/store"
)

// Compile-time interface checks.
var (
	_ store.Store  = (*Store)(nil)
	_ store.Purger = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the time source used to evaluate TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps request documents in a map guarded by a RWMutex. Callers
// always receive deep copies.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*request.RequestState
	now      func() time.Time
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		requests: make(map[string]*request.RequestState),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Request Store
// ──────────────────────────────────────────────────

// live returns the stored request unless it is missing or expired.
// Caller must hold mu.
func (s *Store) live(key string) (*request.RequestState, bool) {
	r, ok := s.requests[key]
	if !ok || r.Expired(s.now()) {
		return nil, false
	}
	return r, true
}

// Get returns a copy of the request.
func (s *Store) Get(_ context.Context, requestID id.RequestID) (*request.RequestState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.live(requestID.String())
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return r.Clone(), nil
}

// Create persists r with Version 1. It rejects a second in-flight request
// for the same bug report.
func (s *Store) Create(_ context.Context, r *request.RequestState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.ID.String()
	if _, ok := s.live(key); ok {
		return pipeline.ErrAlreadyExists
	}
	for k := range s.requests {
		other, ok := s.live(k)
		if ok && !other.Terminal() && other.BugReportID == r.BugReportID {
			return pipeline.ErrDuplicateRequest
		}
	}

	r.Version = 1
	s.requests[key] = r.Clone()
	return nil
}

// CASUpdate applies fn to a copy of the stored request when its version
// matches expectedVersion.
func (s *Store) CASUpdate(_ context.Context, requestID id.RequestID, expectedVersion int64, fn request.Mutator) (*request.RequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestID.String()
	cur, ok := s.live(key)
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, pipeline.ErrVersionConflict
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = expectedVersion + 1
	next.ExpiresAt = cur.ExpiresAt

	s.requests[key] = next.Clone()
	return next, nil
}

// Scan yields copies of matching requests in creation order. The result
// set is snapshotted when iteration starts.
func (s *Store) Scan(ctx context.Context, filter request.Filter) iter.Seq2[*request.RequestState, error] {
	return func(yield func(*request.RequestState, error) bool) {
		s.mu.RLock()
		var matched []*request.RequestState
		for k := range s.requests {
			r, ok := s.live(k)
			if ok && filter.Match(r) {
				matched = append(matched, r.Clone())
			}
		}
		s.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].CreatedAt.Before(matched[j].CreatedAt)
			}
			return matched[i].ID.String() < matched[j].ID.String()
		})

		for _, r := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Expire sets the retention TTL of a terminal request.
func (s *Store) Expire(_ context.Context, requestID id.RequestID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.live(requestID.String())
	if !ok {
		return pipeline.ErrNotFound
	}
	if !r.Terminal() {
		return pipeline.ErrNotTerminal
	}
	at := s.now().Add(ttl)
	r.ExpiresAt = &at
	return nil
}

// PurgeExpired drops every request whose TTL elapsed before now.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.requests {
		if r.Expired(now) {
			delete(s.requests, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored requests, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}
