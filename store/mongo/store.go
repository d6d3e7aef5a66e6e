package mongo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/id"
	"github.com/ianlintner/AI-Pipeline/request"
	"github.com/ianlintner/AI-Pipeline/store"
)

// Collection and index names.
const (
	colRequests       = "pipeline_requests"
	idxActiveReport   = "uq_active_report"
	idxExpiresTTL     = "ttl_expires_at"
	idxStatusAndEntry = "status_stage_entered_at"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store implements store.Store with the MongoDB driver.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for TTL arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new MongoDB store. The caller owns the client lifecycle.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *mongod.Database {
	return s.db
}

func (s *Store) col() *mongod.Collection { return s.db.Collection(colRequests) }

// Migrate creates the request indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.col().Indexes().CreateMany(ctx, migrationIndexes())
	if err != nil {
		return fmt.Errorf("pipeline/mongo: migrate %s indexes: %w", colRequests, err)
	}
	s.logger.Info("ensured indexes", slog.String("collection", colRequests))
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ──────────────────────────────────────────────────
// Request Store
// ──────────────────────────────────────────────────

// notExpired matches documents without a TTL or whose TTL is still ahead.
// The TTL monitor runs about once a minute, so reads filter as well.
func notExpired(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$exists": false}},
		bson.M{"expires_at": bson.M{"$gt": now}},
	}}
}

// Get returns the request unless it is missing or past its TTL.
func (s *Store) Get(ctx context.Context, requestID id.RequestID) (*request.RequestState, error) {
	filter := bson.M{"_id": requestID.String()}
	for k, v := range notExpired(s.now().UTC()) {
		filter[k] = v
	}

	var m requestModel
	if err := s.col().FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("pipeline/mongo: get request: %w", err)
	}
	return fromRequestModel(&m)
}

// Create inserts r with Version 1.
func (s *Store) Create(ctx context.Context, r *request.RequestState) error {
	doc := r.Clone()
	doc.Version = 1
	m, err := toRequestModel(doc)
	if err != nil {
		return err
	}

	if _, err := s.col().InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			if strings.Contains(err.Error(), idxActiveReport) {
				return pipeline.ErrDuplicateRequest
			}
			return pipeline.ErrAlreadyExists
		}
		return fmt.Errorf("pipeline/mongo: create request: %w", err)
	}
	r.Version = 1
	return nil
}

// CASUpdate applies fn and replaces the document only if its version is
// still expectedVersion.
func (s *Store) CASUpdate(ctx context.Context, requestID id.RequestID, expectedVersion int64, fn request.Mutator) (*request.RequestState, error) {
	cur, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
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

	m, err := toRequestModel(next)
	if err != nil {
		return nil, err
	}

	res, err := s.col().ReplaceOne(ctx, bson.M{"_id": requestID.String(), "version": expectedVersion}, m)
	if err != nil {
		return nil, fmt.Errorf("pipeline/mongo: cas update: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, pipeline.ErrVersionConflict
	}
	return next, nil
}

// Scan streams matching documents in creation order.
func (s *Store) Scan(ctx context.Context, filter request.Filter) iter.Seq2[*request.RequestState, error] {
	return func(yield func(*request.RequestState, error) bool) {
		findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
		cursor, err := s.col().Find(ctx, scanFilter(filter, s.now().UTC()), findOpts)
		if err != nil {
			yield(nil, fmt.Errorf("pipeline/mongo: scan: %w", err))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var m requestModel
			if err := cursor.Decode(&m); err != nil {
				yield(nil, fmt.Errorf("pipeline/mongo: scan decode: %w", err))
				return
			}
			r, err := fromRequestModel(&m)
			if err != nil {
				yield(nil, err)
				return
			}
			if !filter.Match(r) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, fmt.Errorf("pipeline/mongo: scan cursor: %w", err))
		}
	}
}

// scanFilter pushes the selective Filter predicates down to the server.
func scanFilter(f request.Filter, now time.Time) bson.M {
	m := notExpired(now)
	switch {
	case len(f.Statuses) > 0:
		statuses := make(bson.A, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		m["status"] = bson.M{"$in": statuses}
	case !f.IncludeTerminal:
		m["active"] = true
	}
	if f.BugReportID != "" {
		m["bug_report_id"] = f.BugReportID
	}
	if !f.EnteredBefore.IsZero() {
		m["stage_entered_at"] = bson.M{"$lt": f.EnteredBefore}
	}
	return m
}

// Expire stamps expires_at on a terminal request; the TTL index removes it.
func (s *Store) Expire(ctx context.Context, requestID id.RequestID, ttl time.Duration) error {
	at := s.now().UTC().Add(ttl)
	res, err := s.col().UpdateOne(ctx,
		bson.M{"_id": requestID.String(), "active": false},
		bson.M{"$set": bson.M{"expires_at": at}},
	)
	if err != nil {
		return fmt.Errorf("pipeline/mongo: expire: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	if _, err := s.Get(ctx, requestID); err != nil {
		return err
	}
	return pipeline.ErrNotTerminal
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return mongod.IsDuplicateKeyError(err) ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for the request collection.
func migrationIndexes() []mongod.IndexModel {
	return []mongod.IndexModel{
		{
			Keys: bson.D{{Key: "bug_report_id", Value: 1}},
			Options: options.Index().
				SetName(idxActiveReport).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName(idxExpiresTTL).SetExpireAfterSeconds(0),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "stage_entered_at", Value: 1}},
			Options: options.Index().SetName(idxStatusAndEntry),
		},
	}
}
