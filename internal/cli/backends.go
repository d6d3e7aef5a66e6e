package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ianlintner/AI-Pipeline/bus"
	kafkabus "github.com/ianlintner/AI-Pipeline/bus/kafka"
	membus "github.com/ianlintner/AI-Pipeline/bus/memory"
	redisbus "github.com/ianlintner/AI-Pipeline/bus/redis"
	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/intel"
	"github.com/ianlintner/AI-Pipeline/store"
	memstore "github.com/ianlintner/AI-Pipeline/store/memory"
	mongostore "github.com/ianlintner/AI-Pipeline/store/mongo"
	pgstore "github.com/ianlintner/AI-Pipeline/store/postgres"
	redisstore "github.com/ianlintner/AI-Pipeline/store/redis"
	"github.com/ianlintner/AI-Pipeline/tracker"
)

// backends holds the opened store and bus and the client handles that
// must be released with them.
type backends struct {
	Store store.Store
	Bus   bus.Bus

	closers []func(context.Context) error
	redis   map[string]*goredis.Client
}

// openBackends connects the store and bus selected by cfg and runs the
// store migrations.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	bk := &backends{redis: make(map[string]*goredis.Client)}

	s, err := bk.openStore(ctx, cfg, logger)
	if err != nil {
		bk.Close()
		return nil, err
	}
	bk.Store = s
	bk.closers = append(bk.closers, func(context.Context) error { return s.Close() })

	if err := s.Migrate(ctx); err != nil {
		bk.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}

	b, err := bk.openBus(cfg)
	if err != nil {
		bk.Close()
		return nil, err
	}
	bk.Bus = b
	bk.closers = append(bk.closers, func(context.Context) error { return b.Close() })

	logger.Debug("backends opened",
		slog.String("store", cfg.Store.Driver),
		slog.String("bus", cfg.Bus.Driver),
	)
	return bk, nil
}

func (bk *backends) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memstore.New(), nil

	case config.DriverRedis:
		client, err := bk.redisClient(cfg.Store.URL)
		if err != nil {
			return nil, err
		}
		return redisstore.New(client, redisstore.WithLogger(logger)), nil

	case config.DriverPostgres:
		s, err := pgstore.New(ctx, cfg.Store.URL, pgstore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil

	case config.DriverMongo:
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.Store.URL))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		bk.closers = append(bk.closers, client.Disconnect)
		return mongostore.New(client.Database(cfg.Store.Database), mongostore.WithLogger(logger)), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func (bk *backends) openBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.DriverMemory:
		var opts []membus.Option
		if cfg.Bus.VisibilityTimeout > 0 {
			opts = append(opts, membus.WithVisibilityTimeout(cfg.Bus.VisibilityTimeout))
		}
		return membus.New(opts...), nil

	case config.DriverRedis:
		client, err := bk.redisClient(cfg.Bus.URL)
		if err != nil {
			return nil, err
		}
		var opts []redisbus.Option
		if cfg.Bus.VisibilityTimeout > 0 {
			opts = append(opts, redisbus.WithVisibilityTimeout(cfg.Bus.VisibilityTimeout))
		}
		return redisbus.New(client, opts...), nil

	case config.DriverKafka:
		b, err := kafkabus.New(cfg.Bus.Brokers)
		if err != nil {
			return nil, fmt.Errorf("open kafka bus: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

// redisClient returns one client per URL so a redis store and bus share
// a connection pool.
func (bk *backends) redisClient(url string) (*goredis.Client, error) {
	if c, ok := bk.redis[url]; ok {
		return c, nil
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := goredis.NewClient(opts)
	bk.redis[url] = c
	bk.closers = append(bk.closers, func(context.Context) error { return c.Close() })
	return c, nil
}

// Close releases everything in reverse order of opening.
func (bk *backends) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(bk.closers) - 1; i >= 0; i-- {
		if err := bk.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	bk.closers = nil
	return errors.Join(errs...)
}

// newIntel builds the intelligence collaborator with its call bound.
func newIntel(cfg *config.Config) intel.Service {
	return intel.WithTimeout(intel.NewHeuristic(), cfg.Intel.Timeout)
}

// newTracker builds the ticket tracker selected by cfg.
func newTracker(cfg *config.Config) (tracker.Tracker, error) {
	switch cfg.Tracker.Driver {
	case config.TrackerGitHub:
		var opts []tracker.GitHubOption
		if cfg.Tracker.BaseURL != "" {
			opts = append(opts, tracker.WithBaseURL(cfg.Tracker.BaseURL))
		}
		return tracker.NewGitHub(cfg.Tracker.Token, cfg.Tracker.Owner, cfg.Tracker.Repo, opts...)
	case config.TrackerMock:
		return tracker.NewMock(cfg.Tracker.Owner, cfg.Tracker.Repo, cfg.Tracker.MockDelay), nil
	}
	return nil, fmt.Errorf("unknown tracker driver %q", cfg.Tracker.Driver)
}
