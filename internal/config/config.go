// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/internal/logger"
	"github.com/mhpenta/ingestq/scheduler"
	"github.com/mhpenta/ingestq/worker"
	"github.com/mhpenta/ingestq/ytapi"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend string `env:"INGESTQ_BACKEND" envDefault:"sqlite"`

	Database  DatabaseConfig  `envPrefix:"INGESTQ_DB_"`
	Redis     RedisConfig     `envPrefix:"INGESTQ_REDIS_"`
	YouTube   YouTubeConfig   `envPrefix:"INGESTQ_YOUTUBE_"`
	Queue     QueueConfig     `envPrefix:"INGESTQ_QUEUE_"`
	Worker    WorkerConfig    `envPrefix:"INGESTQ_WORKER_"`
	Poller    PollerConfig    `envPrefix:"INGESTQ_POLLER_"`
	Scheduler SchedulerConfig `envPrefix:"INGESTQ_SCHEDULER_"`
	Admin     AdminConfig     `envPrefix:"INGESTQ_ADMIN_"`
	Log       LogConfig       `envPrefix:"INGESTQ_LOG_"`
}

type DatabaseConfig struct {
	PostgresDSN string `env:"POSTGRES_DSN"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"ingestq.db"`
	// ConnectTimeout bounds the retries while the database comes up.
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
}

// RedisConfig is optional; an empty Addr disables wake-up notifications and
// the shared scheduler state.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

type YouTubeConfig struct {
	APIKey            string  `env:"API_KEY"`
	Endpoint          string  `env:"ENDPOINT"`
	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"5"`
	Burst             int     `env:"BURST" envDefault:"5"`
}

type QueueConfig struct {
	MaxAttempts       int            `env:"MAX_ATTEMPTS" envDefault:"5"`
	MaxAttemptsByType map[string]int `env:"MAX_ATTEMPTS_BY_TYPE"`
	LeaseDuration     time.Duration  `env:"LEASE_DURATION" envDefault:"5m"`
	ClaimTimeout      time.Duration  `env:"CLAIM_TIMEOUT" envDefault:"10s"`
	InitialBackoff    time.Duration  `env:"INITIAL_BACKOFF" envDefault:"30s"`
	MaxBackoff        time.Duration  `env:"MAX_BACKOFF" envDefault:"1h"`
	BackoffMultiplier float64        `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffJitter     float64        `env:"BACKOFF_JITTER" envDefault:"0.25"`
	// CleanupAfter is the age at which completed jobs are deleted by serve.
	CleanupAfter time.Duration `env:"CLEANUP_AFTER" envDefault:"168h"`
}

type WorkerConfig struct {
	ID            string        `env:"ID"`
	Concurrency   int           `env:"CONCURRENCY" envDefault:"4"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"5"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	ReportTimeout time.Duration `env:"REPORT_TIMEOUT" envDefault:"10s"`
}

type PollerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	MaxBackoffFactor int           `env:"MAX_BACKOFF_FACTOR" envDefault:"8"`
	FetchTimeout     time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	TickInterval     time.Duration `env:"TICK_INTERVAL" envDefault:"1m"`
	Concurrency      int           `env:"CONCURRENCY" envDefault:"4"`
	JobPriority      int           `env:"JOB_PRIORITY" envDefault:"100"`
}

type SchedulerConfig struct {
	Interval        time.Duration `env:"INTERVAL" envDefault:"15m"`
	ChannelStatsGap time.Duration `env:"CHANNEL_STATS_GAP" envDefault:"6h"`
	MaxJitter       time.Duration `env:"MAX_JITTER" envDefault:"5m"`
	// WindowStart and WindowEnd are offsets from local midnight. Both zero
	// disables the window.
	WindowStart time.Duration `env:"WINDOW_START" envDefault:"0s"`
	WindowEnd   time.Duration `env:"WINDOW_END" envDefault:"0s"`
	Timezone    string        `env:"TIMEZONE" envDefault:"UTC"`
	JobPriority int           `env:"JOB_PRIORITY" envDefault:"200"`
}

type AdminConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads envFile when it exists, then the process environment. Values
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return errors.New("config: INGESTQ_DB_SQLITE_PATH must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.PostgresDSN == "" {
			return errors.New("config: INGESTQ_DB_POSTGRES_DSN must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if (c.Scheduler.WindowStart != 0 || c.Scheduler.WindowEnd != 0) && c.Scheduler.WindowEnd <= c.Scheduler.WindowStart {
		return errors.New("config: scheduler window end must be after its start")
	}
	return nil
}

func (c QueueConfig) IngestqConfig() ingestq.Config {
	return ingestq.Config{
		MaxAttempts:       c.MaxAttempts,
		MaxAttemptsByType: c.MaxAttemptsByType,
		LeaseDuration:     c.LeaseDuration,
		ClaimTimeout:      c.ClaimTimeout,
		Retry: ingestq.RetryPolicy{
			InitialBackoff: c.InitialBackoff,
			MaxBackoff:     c.MaxBackoff,
			Multiplier:     c.BackoffMultiplier,
			Jitter:         c.BackoffJitter,
		},
	}
}

func (c WorkerConfig) PoolConfig() worker.Config {
	return worker.Config{
		WorkerID:      c.ID,
		Concurrency:   c.Concurrency,
		BatchSize:     c.BatchSize,
		PollInterval:  c.PollInterval,
		ReportTimeout: c.ReportTimeout,
	}
}

func (c PollerConfig) FeedConfig() feed.Config {
	cfg := feed.DefaultConfig()
	cfg.FailureThreshold = c.FailureThreshold
	cfg.MaxBackoffFactor = c.MaxBackoffFactor
	cfg.FetchTimeout = c.FetchTimeout
	cfg.TickInterval = c.TickInterval
	cfg.Concurrency = c.Concurrency
	cfg.JobPriority = c.JobPriority
	return cfg
}

func (c YouTubeConfig) ClientConfig() ytapi.Config {
	return ytapi.Config{
		APIKey:            c.APIKey,
		Endpoint:          c.Endpoint,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}

// ChannelStatsPolicy spaces the periodic channel statistics refresh.
func (c SchedulerConfig) ChannelStatsPolicy() (scheduler.Policy, error) {
	p := scheduler.Policy{
		MinGap:    c.ChannelStatsGap,
		MaxJitter: c.MaxJitter,
	}
	if c.WindowStart == 0 && c.WindowEnd == 0 {
		return p, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return scheduler.Policy{}, fmt.Errorf("failed to load scheduler timezone: %w", err)
	}
	p.Window = &scheduler.DailyWindow{Start: c.WindowStart, End: c.WindowEnd, Location: loc}
	return p, nil
}

func (c LogConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  logger.ParseLevel(c.Level),
		Format: c.Format,
	}
}
