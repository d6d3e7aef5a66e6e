package config

import "time"

// Config is the YAML configuration of a pipeline deployment.
type Config struct {
	Log      LogConfig              `yaml:"log"`
	Store    StoreConfig            `yaml:"store"`
	Bus      BusConfig              `yaml:"bus"`
	Pipeline PipelineConfig         `yaml:"pipeline"`
	Worker   WorkerConfig           `yaml:"worker"`
	Stages   map[string]StageConfig `yaml:"stages"`
	Tracker  TrackerConfig          `yaml:"tracker"`
	Intel    IntelConfig            `yaml:"intel"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverKafka    = "kafka"
)

// StoreConfig selects and addresses the durable store.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	Database string `yaml:"database"` // mongo only
}

// BusConfig selects and addresses the message bus.
type BusConfig struct {
	Driver            string        `yaml:"driver"`
	URL               string        `yaml:"url"`     // redis
	Brokers           []string      `yaml:"brokers"` // kafka
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// PipelineConfig holds the Coordinator settings.
type PipelineConfig struct {
	StageDeadlines  map[string]time.Duration `yaml:"stage_deadlines"`
	DefaultDeadline time.Duration            `yaml:"default_deadline"`
	SweepSchedule   string                   `yaml:"sweep_schedule"`
	PurgeSchedule   string                   `yaml:"purge_schedule"`
	Retention       time.Duration            `yaml:"retention"`
	CASAttempts     int                      `yaml:"cas_attempts"`
	Concurrency     int                      `yaml:"concurrency"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout"`
	DirectChaining  bool                     `yaml:"direct_chaining"`
}

// WorkerConfig holds the stage harness settings shared by every stage.
type WorkerConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	Concurrency  int           `yaml:"concurrency"`
	GuardSize    int           `yaml:"guard_size"`
	DLQ          bool          `yaml:"dlq"`
}

// StageConfig overrides limits for one stage.
type StageConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// Tracker drivers.
const (
	TrackerGitHub = "github"
	TrackerMock   = "mock"
)

// TrackerConfig selects the ticket tracker the issue stage calls.
type TrackerConfig struct {
	Driver    string        `yaml:"driver"`
	Token     string        `yaml:"token"`
	Owner     string        `yaml:"owner"`
	Repo      string        `yaml:"repo"`
	BaseURL   string        `yaml:"base_url"`
	MockDelay time.Duration `yaml:"mock_delay"`
}

// IntelConfig bounds calls to the intelligence collaborator.
type IntelConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}
