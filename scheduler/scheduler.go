// Package scheduler spaces recurring jobs over time. Each job key keeps the
// time of its most recently reserved run in a KeyStateStore; the next run is
// placed at least Policy.MinGap after it, inside an optional daily window,
// plus random jitter. Jobs are enqueued with the key as their dedup key, so
// a key never has two pending runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mhpenta/ingestq"
)

var (
	ErrNilQueue        = errors.New("scheduler: queue must not be nil")
	ErrNilStore        = errors.New("scheduler: key state store must not be nil")
	ErrEmptyJobKey     = errors.New("scheduler: job key must not be empty")
	ErrNegativeMinGap  = errors.New("scheduler: min gap must be >= 0")
	ErrNegativeJitter  = errors.New("scheduler: max jitter must be >= 0")
	ErrNilLocation     = errors.New("scheduler: window location must not be nil")
	ErrInvalidWindow   = errors.New("scheduler: window start/end must satisfy 0 <= start < end <= 24h")
	ErrEmptyJobType    = errors.New("scheduler: job type must not be empty")
	ErrNilPayload      = errors.New("scheduler: payload must not be nil")
	ErrZeroScheduledAt = errors.New("scheduler: scheduled time must not be zero")
)

// DailyWindow constrains runs to a local time range each day.
// Start is inclusive and End is exclusive.
type DailyWindow struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
}

func (w DailyWindow) validate() error {
	if w.Location == nil {
		return ErrNilLocation
	}
	if w.Start < 0 || w.End <= 0 || w.Start >= w.End || w.End > 24*time.Hour {
		return ErrInvalidWindow
	}
	return nil
}

// bounds returns the window on the local day containing t.
func (w DailyWindow) bounds(t time.Time) (start, end time.Time) {
	local := t.In(w.Location)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, w.Location)
	return midnight.Add(w.Start), midnight.Add(w.End)
}

// Policy spaces the runs of one job key.
type Policy struct {
	MinGap    time.Duration
	Window    *DailyWindow
	MaxJitter time.Duration
}

func (p Policy) validate() error {
	if p.MinGap < 0 {
		return ErrNegativeMinGap
	}
	if p.MaxJitter < 0 {
		return ErrNegativeJitter
	}
	if p.Window != nil {
		return p.Window.validate()
	}
	return nil
}

// KeyStateStore holds the last reserved run time per key. Update must be
// atomic per key across every caller sharing the store.
type KeyStateStore interface {
	Update(ctx context.Context, key string, fn func(previous time.Time, exists bool) (next time.Time, err error)) (time.Time, error)
}

// EnqueueRequest describes one policy-spaced enqueue.
type EnqueueRequest struct {
	JobType string
	JobKey  string
	Payload []byte

	// NotBefore defaults to the scheduler clock.
	NotBefore time.Time

	Policy Policy

	// Options are forwarded to Enqueue before the run time and dedup key.
	Options []ingestq.EnqueueOption
}

func (r EnqueueRequest) validate() error {
	if strings.TrimSpace(r.JobType) == "" {
		return ErrEmptyJobType
	}
	if r.Payload == nil {
		return ErrNilPayload
	}
	return nil
}

type Scheduler struct {
	queue  ingestq.Queue
	store  KeyStateStore
	clock  func() time.Time
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Scheduler)

// WithClock overrides the clock used when NotBefore is zero.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRandSource overrides jitter randomness.
func WithRandSource(src rand.Source) Option {
	return func(s *Scheduler) {
		if src != nil {
			s.rng = rand.New(src)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(queue ingestq.Queue, store KeyStateStore, opts ...Option) (*Scheduler, error) {
	if queue == nil {
		return nil, ErrNilQueue
	}
	if store == nil {
		return nil, ErrNilStore
	}

	s := &Scheduler{
		queue:  queue,
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NextRunAt computes and reserves the next run time for key.
func (s *Scheduler) NextRunAt(ctx context.Context, key string, notBefore time.Time, policy Policy) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, ErrEmptyJobKey
	}
	if err := policy.validate(); err != nil {
		return time.Time{}, err
	}
	if notBefore.IsZero() {
		notBefore = s.clock()
	}

	return s.store.Update(ctx, key, func(previous time.Time, exists bool) (time.Time, error) {
		base := notBefore
		if exists && policy.MinGap > 0 {
			if earliest := previous.Add(policy.MinGap); earliest.After(base) {
				base = earliest
			}
		}

		scheduled := alignToWindow(base, policy.Window)
		scheduled = scheduled.Add(s.jitter(policy.MaxJitter, policy.Window, scheduled))
		if scheduled.IsZero() {
			return time.Time{}, ErrZeroScheduledAt
		}
		return scheduled, nil
	})
}

// Enqueue reserves the next run time for req.JobKey and enqueues the job to
// become available then. While an earlier run of the key is still pending
// the queue coalesces and its ID is returned.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (jobID string, runAt time.Time, err error) {
	if err := req.validate(); err != nil {
		return "", time.Time{}, err
	}

	runAt, err = s.NextRunAt(ctx, req.JobKey, req.NotBefore, req.Policy)
	if err != nil {
		return "", time.Time{}, err
	}

	opts := append([]ingestq.EnqueueOption{}, req.Options...)
	opts = append(opts, ingestq.WithRunAt(runAt), ingestq.WithDedupKey(req.JobKey))

	jobID, err = s.queue.Enqueue(ctx, req.JobType, req.Payload, opts...)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scheduler: enqueue failed: %w", err)
	}
	return jobID, runAt, nil
}

// Planner returns the requests to schedule on one tick.
type Planner func(ctx context.Context) ([]EnqueueRequest, error)

// Run calls plan every interval and enqueues its requests until ctx ends.
// Failures are logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, plan Planner) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, plan)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, plan Planner) {
	reqs, err := plan(ctx)
	if err != nil {
		s.logger.Error("scheduler plan failed", "error", err)
		return
	}
	var scheduled int
	for _, req := range reqs {
		if ctx.Err() != nil {
			return
		}
		id, runAt, err := s.Enqueue(ctx, req)
		if err != nil {
			s.logger.Error("scheduler enqueue failed", "job_type", req.JobType, "job_key", req.JobKey, "error", err)
			continue
		}
		scheduled++
		s.logger.Debug("scheduled job", "job_id", id, "job_type", req.JobType, "job_key", req.JobKey, "run_at", runAt)
	}
	s.logger.Info("scheduler tick", "planned", len(reqs), "scheduled", scheduled)
}

func alignToWindow(t time.Time, window *DailyWindow) time.Time {
	if window == nil {
		return t
	}
	start, end := window.bounds(t)
	local := t.In(window.Location)
	switch {
	case local.Before(start):
		return start
	case !local.Before(end):
		return start.AddDate(0, 0, 1)
	default:
		return local
	}
}

// jitter returns a random delay in [0, maxJitter], clipped so the run stays
// inside its window.
func (s *Scheduler) jitter(maxJitter time.Duration, window *DailyWindow, base time.Time) time.Duration {
	limit := maxJitter
	if window != nil {
		_, end := window.bounds(base)
		limit = min(limit, end.Sub(base))
	}
	if limit <= 0 {
		return 0
	}

	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return time.Duration(s.rng.Int63n(int64(limit) + 1))
}
