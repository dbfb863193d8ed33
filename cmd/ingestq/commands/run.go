package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/ingest"
	"github.com/mhpenta/ingestq/internal/adminapi"
	"github.com/mhpenta/ingestq/notify"
	"github.com/mhpenta/ingestq/scheduler"
	"github.com/mhpenta/ingestq/worker"
	"github.com/mhpenta/ingestq/ytapi"
)

// MigrateAction applies the backend schema.
var MigrateAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	if err := app.Migrate(ctx); err != nil {
		return err
	}
	app.Logger.Info("migrations applied", "backend", app.Config.Backend)
	return nil
})

// WorkerAction runs the job handlers until interrupted.
var WorkerAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	pool, err := newWorkerPool(ctx, app)
	if err != nil {
		return err
	}
	app.Logger.Info("worker started", "job_types", pool.JobTypes())
	return ignoreCanceled(pool.Run(ctx))
})

// PollerAction polls due feeds every tick, or once with --once.
var PollerAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	poller := newPoller(app)
	if !cmd.Bool("once") {
		return ignoreCanceled(poller.Run(ctx))
	}

	outcomes, err := poller.Tick(ctx)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		line := fmt.Sprintf("%s\t%s\titems=%d\tenqueued=%d", o.State.ChannelID, o.Kind, o.Items, o.Enqueued)
		if o.Err != nil {
			line += "\terror=" + o.Err.Error()
		}
		if o.Disabled {
			line += "\tdisabled"
		}
		fmt.Println(line)
	}
	return nil
})

// SchedulerAction plans periodic channel statistics refreshes.
var SchedulerAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	sched, plan, err := newScheduler(app)
	if err != nil {
		return err
	}
	return ignoreCanceled(sched.Run(ctx, app.Config.Scheduler.Interval, plan))
})

// ServeAction runs the admin API and, with --all, every background component
// in the same process.
var ServeAction = withApp(func(ctx context.Context, cmd *cli.Command, app *AppContext) error {
	cfg := app.Config
	if cmd.Bool("migrate") {
		if err := app.Migrate(ctx); err != nil {
			return err
		}
	}

	api := adminapi.New(app.Queue(), app.Backend, app.Backend, app.Backend, adminapi.WithLogger(app.Logger))
	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var background []func(ctx context.Context) error
	if cmd.Bool("all") {
		pool, err := newWorkerPool(ctx, app)
		if err != nil {
			return err
		}
		sched, plan, err := newScheduler(app)
		if err != nil {
			return err
		}
		poller := newPoller(app)
		background = append(background,
			pool.Run,
			poller.Run,
			func(ctx context.Context) error { return sched.Run(ctx, cfg.Scheduler.Interval, plan) },
		)
	}
	background = append(background, func(ctx context.Context) error { return runCleanup(ctx, app) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Info("admin api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, run := range background {
		g.Go(func() error { return ignoreCanceled(run(gctx)) })
	}

	return g.Wait()
})

func newWorkerPool(ctx context.Context, app *AppContext) (*worker.Pool, error) {
	api, err := ytapi.New(ctx, app.Config.YouTube.ClientConfig())
	if err != nil {
		return nil, err
	}
	engine := categorize.NewEngine(app.Backend, categorize.WithLogger(app.Logger))
	handlers := ingest.NewHandlers(api, app.Backend, engine, ingest.WithLogger(app.Logger))

	opts := []worker.Option{worker.WithLogger(app.Logger)}
	if app.Redis != nil {
		opts = append(opts, worker.WithWaiter(notify.New(app.Redis)))
	}
	pool := worker.NewPool(app.Queue(), app.Config.Worker.PoolConfig(), opts...)
	handlers.Register(pool)
	return pool, nil
}

func newPoller(app *AppContext) *feed.Poller {
	cfg := app.Config.Poller
	return feed.NewPoller(
		app.Backend,
		feed.NewHTTPFetcher(cfg.FetchTimeout),
		feed.NewGofeedParser(),
		ingest.SeenChecker(app.Backend),
		app.Queue(),
		cfg.FeedConfig(),
		feed.WithLogger(app.Logger),
	)
}

func newScheduler(app *AppContext) (*scheduler.Scheduler, scheduler.Planner, error) {
	cfg := app.Config.Scheduler
	policy, err := cfg.ChannelStatsPolicy()
	if err != nil {
		return nil, nil, err
	}

	var store scheduler.KeyStateStore = scheduler.NewMemoryStore()
	if app.Redis != nil {
		store = scheduler.NewRedisStore(app.Redis)
	} else {
		app.Logger.Warn("scheduler state is kept in memory; run a single scheduler")
	}

	sched, err := scheduler.New(app.Queue(), store, scheduler.WithLogger(app.Logger))
	if err != nil {
		return nil, nil, err
	}
	plan := ingest.ChannelStatsPlanner(app.Backend, policy, ingestq.WithPriority(cfg.JobPriority))
	return sched, plan, nil
}

// runCleanup deletes completed jobs older than Queue.CleanupAfter once an hour.
func runCleanup(ctx context.Context, app *AppContext) error {
	after := app.Config.Queue.CleanupAfter
	if after <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := app.Backend.CleanupCompletedJobs(ctx, time.Now().Add(-after))
		if err != nil && ctx.Err() == nil {
			app.Logger.Error("job cleanup failed", "error", err)
		} else if n > 0 {
			app.Logger.Info("completed jobs cleaned up", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
