// Package worker runs registered job handlers against an ingestq.Queue.
//
// Handlers are registered per job type before calling Pool.Run. Each of the
// Concurrency loops claims a batch with its own worker ID, runs each job under
// a deadline equal to the job's lease expiry, and reports the outcome back to
// the queue. A crashed process simply lets its leases expire.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mhpenta/ingestq"
	"golang.org/x/sync/errgroup"
)

// Handler executes one job. A nil return completes the job; an error fails
// it (see ingestq.Permanent to skip retries).
type Handler func(ctx context.Context, job ingestq.Job) error

// Waiter blocks until new work may be available for jobTypes or timeout
// elapses. Implementations return nil in both cases.
type Waiter interface {
	Wait(ctx context.Context, jobTypes []string, timeout time.Duration) error
}

// Config tunes a Pool.
type Config struct {
	// WorkerID prefixes the lease holder identity of every loop.
	WorkerID     string
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	// ReportTimeout bounds each MarkCompleted/MarkFailed/Release call.
	ReportTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		BatchSize:     5,
		PollInterval:  2 * time.Second,
		ReportTimeout: 10 * time.Second,
	}
}

var ErrNoHandlers = errors.New("worker: no handlers registered")

// Pool dispatches dequeued jobs to handlers.
type Pool struct {
	queue  ingestq.Queue
	config Config
	waiter Waiter
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// Option configures a Pool.
type Option func(*Pool)

// WithWaiter sets how idle loops wait for new work.
func WithWaiter(w Waiter) Option {
	return func(p *Pool) { p.waiter = w }
}

// WithLogger sets the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source used to detect expired leases.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func NewPool(queue ingestq.Queue, config Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if config.WorkerID == "" {
		config.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ReportTimeout <= 0 {
		config.ReportTimeout = def.ReportTimeout
	}

	p := &Pool{
		queue:    queue,
		config:   config,
		waiter:   sleepWaiter{},
		logger:   slog.Default(),
		clock:    time.Now,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle registers h for jobType, replacing any previous handler.
func (p *Pool) Handle(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// JobTypes returns the registered job types in sorted order.
func (p *Pool) JobTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.handlers))
	for jt := range p.handlers {
		types = append(types, jt)
	}
	slices.Sort(types)
	return types
}

func (p *Pool) handler(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Run starts Concurrency loops and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	jobTypes := p.JobTypes()
	if len(jobTypes) == 0 {
		return ErrNoHandlers
	}

	p.logger.InfoContext(ctx, "worker pool starting",
		"worker_id", p.config.WorkerID,
		"concurrency", p.config.Concurrency,
		"job_types", jobTypes)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.config.WorkerID, i)
		g.Go(func() error {
			p.loop(gctx, workerID, jobTypes)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.InfoContext(ctx, "worker pool stopped", "worker_id", p.config.WorkerID)
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, workerID string, jobTypes []string) {
	for ctx.Err() == nil {
		n, err := p.RunOnce(ctx, workerID, jobTypes)
		if err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "dequeue failed", "worker_id", workerID, "error", err)
		}
		if n > 0 {
			continue
		}
		if err := p.waiter.Wait(ctx, jobTypes, p.config.PollInterval); err != nil && ctx.Err() == nil {
			p.logger.WarnContext(ctx, "waiter failed", "worker_id", workerID, "error", err)
			sleep(ctx, p.config.PollInterval)
		}
	}
}

// RunOnce claims one batch for workerID and processes it in order. It
// returns the number of jobs claimed. Jobs whose lease ran out while earlier
// jobs in the batch were running are released instead of started.
func (p *Pool) RunOnce(ctx context.Context, workerID string, jobTypes []string) (int, error) {
	jobs, err := p.queue.Dequeue(ctx, workerID, jobTypes, p.config.BatchSize)
	if err != nil {
		return 0, err
	}

	for i, job := range jobs {
		if ctx.Err() != nil {
			p.releaseAll(ctx, workerID, jobs[i:])
			break
		}
		if !job.LeaseExpiresAt.IsZero() && !p.clock().Before(job.LeaseExpiresAt) {
			p.releaseExpired(ctx, workerID, job)
			continue
		}
		p.process(ctx, workerID, job)
	}
	return len(jobs), nil
}

func (p *Pool) process(ctx context.Context, workerID string, job ingestq.Job) {
	log := p.logger.With(
		"job_id", job.ID,
		"job_type", job.JobType,
		"worker_id", workerID,
		"attempt", job.AttemptCount+1,
	)

	start := time.Now()
	err := p.execute(ctx, job)
	elapsed := time.Since(start)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ReportTimeout)
	defer cancel()

	if err == nil {
		if rerr := p.queue.MarkCompleted(reportCtx, job.ID, workerID); rerr != nil {
			if errors.Is(rerr, ingestq.ErrNotLeaseHolder) {
				log.WarnContext(ctx, "lease lost before completion was recorded")
				return
			}
			log.ErrorContext(ctx, "failed to mark job completed", "error", rerr)
			return
		}
		log.InfoContext(ctx, "job completed", "duration", elapsed)
		return
	}

	if rerr := p.queue.MarkFailed(reportCtx, job.ID, workerID, err); rerr != nil {
		if errors.Is(rerr, ingestq.ErrNotLeaseHolder) {
			log.WarnContext(ctx, "lease lost before failure was recorded", "job_error", err)
			return
		}
		log.ErrorContext(ctx, "failed to mark job failed", "error", rerr, "job_error", err)
		return
	}
	log.WarnContext(ctx, "job failed",
		"error", err,
		"permanent", ingestq.IsPermanent(err),
		"duration", elapsed)
}

func (p *Pool) execute(ctx context.Context, job ingestq.Job) (err error) {
	h, ok := p.handler(job.JobType)
	if !ok {
		return ingestq.Permanent(fmt.Errorf("no handler registered for job type %q", job.JobType))
	}

	jobCtx := ctx
	if !job.LeaseExpiresAt.IsZero() {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithDeadline(ctx, job.LeaseExpiresAt)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(jobCtx, job)
}

func (p *Pool) releaseAll(ctx context.Context, workerID string, jobs []ingestq.Job) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ReportTimeout)
	defer cancel()
	for _, job := range jobs {
		if err := p.queue.Release(reportCtx, job.ID, workerID); err != nil {
			p.logger.ErrorContext(reportCtx, "failed to release job", "job_id", job.ID, "error", err)
		}
	}
}

func (p *Pool) releaseExpired(ctx context.Context, workerID string, job ingestq.Job) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.ReportTimeout)
	defer cancel()

	log := p.logger.With("job_id", job.ID, "job_type", job.JobType, "worker_id", workerID)
	err := p.queue.Release(reportCtx, job.ID, workerID)
	switch {
	case err == nil:
		log.WarnContext(ctx, "lease expired before job started; released")
	case errors.Is(err, ingestq.ErrNotLeaseHolder), errors.Is(err, ingestq.ErrInvalidTransition):
		log.WarnContext(ctx, "lease expired before job started; reclaimed elsewhere")
	default:
		log.ErrorContext(ctx, "failed to release expired job", "error", err)
	}
}

type sleepWaiter struct{}

func (sleepWaiter) Wait(ctx context.Context, _ []string, timeout time.Duration) error {
	sleep(ctx, timeout)
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
