// Package commands implements the ingestq command line actions.
package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/backend/postgres"
	"github.com/mhpenta/ingestq/backend/turso"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/ingest"
	"github.com/mhpenta/ingestq/internal/config"
	"github.com/mhpenta/ingestq/internal/logger"
	"github.com/mhpenta/ingestq/notify"
)

// Backend is what both storage backends provide.
type Backend interface {
	ingestq.Queue
	ingestq.Admin
	feed.Store
	categorize.RuleStore
	ingest.VideoStore
}

// AppContext holds the resources shared by every command.
type AppContext struct {
	Config  *config.Config
	Logger  *slog.Logger
	Backend Backend
	// Redis is nil when INGESTQ_REDIS_ADDR is unset.
	Redis *redis.Client

	migrate func(ctx context.Context) error
	closers []func()
}

// NewAppContext loads configuration and connects to the configured backend,
// retrying until Database.ConnectTimeout elapses.
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.LoggerConfig())

	app := &AppContext{Config: cfg, Logger: log}
	if err := app.openBackend(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.retry(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			rdb.Close()
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.Redis = rdb
		app.closers = append(app.closers, func() { rdb.Close() })
	}
	return app, nil
}

func (a *AppContext) openBackend(ctx context.Context) error {
	qcfg := a.Config.Queue.IngestqConfig()

	switch a.Config.Backend {
	case config.BackendPostgres:
		var pool *pgxpool.Pool
		err := a.retry(ctx, "postgres", func() error {
			p, err := postgres.Open(ctx, a.Config.Database.PostgresDSN)
			if err != nil {
				return err
			}
			pool = p
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.migrate = func(ctx context.Context) error { return postgres.Migrate(ctx, pool) }
		a.Backend = postgres.New(pool, qcfg)
	default:
		var db *sql.DB
		err := a.retry(ctx, "sqlite", func() error {
			d, err := turso.Open(a.Config.Database.SQLitePath)
			if err != nil {
				return backoff.Permanent(err)
			}
			if err := d.PingContext(ctx); err != nil {
				d.Close()
				return err
			}
			db = d
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to open sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { db.Close() })
		a.migrate = func(ctx context.Context) error { return turso.Migrate(ctx, db) }
		a.Backend = turso.New(db, qcfg)
	}
	return nil
}

// retry runs op with exponential backoff bounded by the connect timeout.
func (a *AppContext) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.Config.Database.ConnectTimeout
	onRetry := func(err error, d time.Duration) {
		a.Logger.Warn("connection attempt failed", "target", what, "error", err, "retry_in", d)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), onRetry)
}

// Migrate brings the backend schema up to date.
func (a *AppContext) Migrate(ctx context.Context) error {
	return a.migrate(ctx)
}

// Queue returns the backend queue, wrapped to publish wake-ups when Redis is
// configured.
func (a *AppContext) Queue() ingestq.Queue {
	if a.Redis == nil {
		return a.Backend
	}
	return notify.NewNotifyingQueue(a.Backend, notify.New(a.Redis), a.Logger)
}

// Close releases resources in reverse order of acquisition.
func (a *AppContext) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// withApp is the common shape of every action: load, run, close.
func withApp(fn func(ctx context.Context, cmd *cli.Command, app *AppContext) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		app, err := NewAppContext(ctx, cmd.String("env"))
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(ctx, cmd, app)
	}
}

// ignoreCanceled treats a shutdown signal as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
