// Package config loads the YAML configuration of a pipeline deployment,
// applies defaults and environment overrides, and converts it into the
// option values the pipeline packages take.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/throttle"
	"github.com/ianlintner/AI-Pipeline/worker"
)

// Load reads and parses a configuration from the given YAML file path.
// An empty path yields the defaults. Environment overrides are applied
// after the file and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyEnv(cfg, os.LookupEnv)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given: memory
// store and bus, mock tracker.
func Default() *Config {
	p := pipeline.DefaultConfig()
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: DriverMemory},
		Bus:   BusConfig{Driver: DriverMemory},
		Pipeline: PipelineConfig{
			StageDeadlines:  map[string]time.Duration{},
			DefaultDeadline: p.DefaultDeadline,
			SweepSchedule:   p.SweepSchedule,
			PurgeSchedule:   p.PurgeSchedule,
			Retention:       p.Retention,
			CASAttempts:     p.CASAttempts,
			Concurrency:     p.Concurrency,
			ShutdownTimeout: p.ShutdownTimeout,
		},
		Worker: WorkerConfig{
			MaxAttempts:  p.MaxAttempts,
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			Jitter:       0.5,
			StageTimeout: p.StageTimeout,
			Concurrency:  p.Concurrency,
			GuardSize:    worker.DefaultGuardSize,
			DLQ:          true,
		},
		Tracker: TrackerConfig{Driver: TrackerMock, Owner: "example", Repo: "bug-tracker", MockDelay: 100 * time.Millisecond},
		Intel:   IntelConfig{Timeout: 30 * time.Second},
	}
}

// applyEnv overrides connection settings and secrets from the
// environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set("PIPELINE_LOG_LEVEL", &cfg.Log.Level)
	set("PIPELINE_STORE", &cfg.Store.Driver)
	set("PIPELINE_BUS", &cfg.Bus.Driver)

	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		if cfg.Store.Driver == DriverRedis {
			cfg.Store.URL = v
		}
		if cfg.Bus.Driver == DriverRedis {
			cfg.Bus.URL = v
		}
	}
	if cfg.Store.Driver == DriverPostgres {
		set("POSTGRES_URL", &cfg.Store.URL)
	}
	if cfg.Store.Driver == DriverMongo {
		set("MONGO_URL", &cfg.Store.URL)
	}
	if v, ok := lookup("KAFKA_BOOTSTRAP_SERVERS"); ok && v != "" {
		cfg.Bus.Brokers = splitList(v)
	}

	set("GITHUB_API_TOKEN", &cfg.Tracker.Token)
	set("GITHUB_REPO_OWNER", &cfg.Tracker.Owner)
	set("GITHUB_REPO_NAME", &cfg.Tracker.Repo)
	set("PIPELINE_TRACKER", &cfg.Tracker.Driver)
}

// applyDefaults fills zero values a YAML file left unset.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverMemory
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = DriverMemory
	}
	if cfg.Store.Driver == DriverMongo && cfg.Store.Database == "" {
		cfg.Store.Database = "pipeline"
	}
	if cfg.Pipeline.DefaultDeadline <= 0 {
		cfg.Pipeline.DefaultDeadline = d.Pipeline.DefaultDeadline
	}
	if cfg.Pipeline.SweepSchedule == "" {
		cfg.Pipeline.SweepSchedule = d.Pipeline.SweepSchedule
	}
	if cfg.Pipeline.PurgeSchedule == "" {
		cfg.Pipeline.PurgeSchedule = d.Pipeline.PurgeSchedule
	}
	if cfg.Pipeline.CASAttempts <= 0 {
		cfg.Pipeline.CASAttempts = d.Pipeline.CASAttempts
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = d.Worker.MaxAttempts
	}
	if cfg.Tracker.Driver == "" {
		cfg.Tracker.Driver = TrackerMock
	}
}

// Validate checks driver names, required addresses and stage names.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis, DriverPostgres, DriverMongo:
		if c.Store.URL == "" {
			return fmt.Errorf("config: store.url is required for the %s store", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch c.Bus.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Bus.URL == "" {
			return fmt.Errorf("config: bus.url is required for the redis bus")
		}
		// Redis consumer groups hand same-key entries to different members.
		if c.Pipeline.DirectChaining {
			return fmt.Errorf("config: pipeline.direct_chaining needs a bus that keeps per-key order, not redis")
		}
	case DriverKafka:
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("config: bus.brokers is required for the kafka bus")
		}
	default:
		return fmt.Errorf("config: unknown bus driver %q", c.Bus.Driver)
	}

	switch c.Tracker.Driver {
	case TrackerMock:
	case TrackerGitHub:
		if c.Tracker.Token == "" || c.Tracker.Owner == "" || c.Tracker.Repo == "" {
			return fmt.Errorf("config: github tracker needs token, owner and repo")
		}
	default:
		return fmt.Errorf("config: unknown tracker driver %q", c.Tracker.Driver)
	}

	for name := range c.Stages {
		if !message.Stage(name).Valid() {
			return fmt.Errorf("config: stages: unknown stage %q", name)
		}
	}
	for name := range c.Pipeline.StageDeadlines {
		if !message.Stage(name).Valid() {
			return fmt.Errorf("config: pipeline.stage_deadlines: unknown stage %q", name)
		}
	}
	return nil
}

// Core converts the configuration into the shared pipeline.Config.
func (c *Config) Core() pipeline.Config {
	return pipeline.Config{
		StageDeadlines:  c.Pipeline.StageDeadlines,
		DefaultDeadline: c.Pipeline.DefaultDeadline,
		SweepSchedule:   c.Pipeline.SweepSchedule,
		PurgeSchedule:   c.Pipeline.PurgeSchedule,
		Retention:       c.Pipeline.Retention,
		MaxAttempts:     c.Worker.MaxAttempts,
		StageTimeout:    c.Worker.StageTimeout,
		Concurrency:     c.Pipeline.Concurrency,
		CASAttempts:     c.Pipeline.CASAttempts,
		ShutdownTimeout: c.Pipeline.ShutdownTimeout,
	}
}

// RetryPolicy builds the harness retry policy.
func (c *Config) RetryPolicy() worker.RetryPolicy {
	return worker.NewRetryPolicy(c.Worker.MaxAttempts, c.Worker.BaseDelay, c.Worker.MaxDelay, c.Worker.Jitter)
}

// StageTimeout returns the per-call bound for stage.
func (c *Config) StageTimeout(stage message.Stage) time.Duration {
	if sc, ok := c.Stages[stage.String()]; ok && sc.Timeout > 0 {
		return sc.Timeout
	}
	return c.Worker.StageTimeout
}

// ThrottleConfigs returns the rate and concurrency limits of every stage
// that sets one.
func (c *Config) ThrottleConfigs() []throttle.Config {
	var out []throttle.Config
	for _, s := range message.Order {
		sc, ok := c.Stages[s.String()]
		if !ok || (sc.MaxConcurrency == 0 && sc.RateLimit == 0) {
			continue
		}
		out = append(out, throttle.Config{
			Stage:          s,
			MaxConcurrency: sc.MaxConcurrency,
			RateLimit:      sc.RateLimit,
			RateBurst:      sc.RateBurst,
		})
	}
	return out
}

// NewLogger builds the slog logger described by c.Log.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
