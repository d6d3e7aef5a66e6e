package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/request"
	"github.com/ianlintner/AI-Pipeline/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// createRetries bounds WATCH retries in Create when unrelated writers
// touch the watched keys.
const createRetries = 5

// scanBatch is the SSCAN COUNT hint and MGET batch size.
const scanBatch = 100

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used to stamp ExpiresAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Request Store
// ──────────────────────────────────────────────────

// Get returns the request stored under requestID.
func (s *Store) Get(ctx context.Context, requestID id.RequestID) (*request.RequestState, error) {
	r, err := load(ctx, s.client, requestID.String())
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Create stores r with Version 1 and claims its bug report.
func (s *Store) Create(ctx context.Context, r *request.RequestState) error {
	rID := r.ID.String()
	key := requestKey(rID)
	claim := reportKey(r.BugReportID)

	doc := r.Clone()
	doc.Version = 1
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pipeline/redis: marshal request: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("pipeline/redis: create check exists: %w", err)
		}
		if n > 0 {
			return pipeline.ErrAlreadyExists
		}

		holder, err := tx.Get(ctx, claim).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("pipeline/redis: create check report: %w", err)
		default:
			// A claim whose request document is gone belongs to an
			// expired or deleted request and may be taken over.
			alive, err := tx.Exists(ctx, requestKey(holder)).Result()
			if err != nil {
				return fmt.Errorf("pipeline/redis: create check holder: %w", err)
			}
			if alive > 0 {
				return pipeline.ErrDuplicateRequest
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, claim, rID, 0)
			pipe.SAdd(ctx, requestIDsKey, rID)
			return nil
		})
		return err
	}

	for range createRetries {
		err = s.client.Watch(ctx, txf, key, claim)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		r.Version = 1
		return nil
	case errors.Is(err, pipeline.ErrAlreadyExists), errors.Is(err, pipeline.ErrDuplicateRequest):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("pipeline/redis: create: %w", pipeline.ErrVersionConflict)
	default:
		return fmt.Errorf("pipeline/redis: create: %w", err)
	}
}

// CASUpdate applies fn under WATCH. A write by anyone else between the read
// and EXEC fails the transaction with pipeline.ErrVersionConflict.
func (s *Store) CASUpdate(ctx context.Context, requestID id.RequestID, expectedVersion int64, fn request.Mutator) (*request.RequestState, error) {
	rID := requestID.String()
	key := requestKey(rID)

	var next *request.RequestState
	txf := func(tx *redis.Tx) error {
		cur, err := load(ctx, tx, rID)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return pipeline.ErrVersionConflict
		}

		next = cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = cur.ID
		next.Version = expectedVersion + 1
		next.ExpiresAt = cur.ExpiresAt

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("pipeline/redis: marshal request: %w", err)
		}

		release := false
		if next.Terminal() && !cur.Terminal() {
			holder, err := tx.Get(ctx, reportKey(cur.BugReportID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("pipeline/redis: read report claim: %w", err)
			}
			release = holder == rID
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			if release {
				pipe.Del(ctx, reportKey(cur.BugReportID))
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, pipeline.ErrVersionConflict
	default:
		return nil, err
	}
}

// Scan walks the request index with SSCAN and loads documents in batches.
// Order is unspecified.
func (s *Store) Scan(ctx context.Context, filter request.Filter) iter.Seq2[*request.RequestState, error] {
	return func(yield func(*request.RequestState, error) bool) {
		var cursor uint64
		for {
			ids, nextCursor, err := s.client.SScan(ctx, requestIDsKey, cursor, "", scanBatch).Result()
			if err != nil {
				yield(nil, fmt.Errorf("pipeline/redis: scan index: %w", err))
				return
			}

			if len(ids) > 0 {
				keys := make([]string, len(ids))
				for i, rID := range ids {
					keys[i] = requestKey(rID)
				}
				vals, err := s.client.MGet(ctx, keys...).Result()
				if err != nil {
					yield(nil, fmt.Errorf("pipeline/redis: scan load: %w", err))
					return
				}

				var gone []any
				for i, v := range vals {
					raw, ok := v.(string)
					if !ok {
						gone = append(gone, ids[i])
						continue
					}
					var r request.RequestState
					if err := json.Unmarshal([]byte(raw), &r); err != nil {
						s.logger.Warn("skipping undecodable request",
							slog.String("request_id", ids[i]),
							slog.String("error", err.Error()),
						)
						continue
					}
					if !filter.Match(&r) {
						continue
					}
					if !yield(&r, nil) {
						return
					}
				}
				if len(gone) > 0 {
					if err := s.client.SRem(ctx, requestIDsKey, gone...).Err(); err != nil {
						s.logger.Warn("failed to prune request index", slog.String("error", err.Error()))
					}
				}
			}

			cursor = nextCursor
			if cursor == 0 {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Expire records ExpiresAt on a terminal request and sets the key TTL.
func (s *Store) Expire(ctx context.Context, requestID id.RequestID, ttl time.Duration) error {
	rID := requestID.String()
	key := requestKey(rID)

	txf := func(tx *redis.Tx) error {
		cur, err := load(ctx, tx, rID)
		if err != nil {
			return err
		}
		if !cur.Terminal() {
			return pipeline.ErrNotTerminal
		}
		at := s.now().UTC().Add(ttl)
		cur.ExpiresAt = &at

		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("pipeline/redis: marshal request: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return pipeline.ErrVersionConflict
	}
	return err
}

// getter is the read surface shared by the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads and decodes one request document.
func load(ctx context.Context, c getter, rID string) (*request.RequestState, error) {
	data, err := c.Get(ctx, requestKey(rID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline/redis: get request: %w", err)
	}
	var r request.RequestState
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("pipeline/redis: unmarshal request: %w", err)
	}
	return &r, nil
}
