package ingestq

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultPriority is used when Enqueue is called without WithPriority.
// Lower values are served first.
const DefaultPriority = 100

// Config holds queue configuration.
type Config struct {
	// MaxAttempts is the default number of failed attempts before a job
	// moves to dead_letter.
	MaxAttempts int

	// MaxAttemptsByType overrides MaxAttempts for specific job types.
	MaxAttemptsByType map[string]int

	// LeaseDuration is how long a dequeued job stays leased to its worker.
	// If not completed, failed or released within this time, the job becomes
	// reclaimable by another Dequeue.
	LeaseDuration time.Duration

	// ClaimTimeout bounds a single Dequeue call against the store.
	ClaimTimeout time.Duration

	Retry RetryPolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		LeaseDuration: 5 * time.Minute,
		ClaimTimeout:  10 * time.Second,
		Retry:         DefaultRetryPolicy(),
	}
}

// MaxAttemptsFor returns the attempt budget for jobType.
func (c Config) MaxAttemptsFor(jobType string) int {
	if n, ok := c.MaxAttemptsByType[jobType]; ok && n > 0 {
		return n
	}
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return DefaultConfig().MaxAttempts
}

// RetryPolicy shapes the delay between failed attempts.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is the randomization factor applied to each delay. Keeping it
	// below (Multiplier-1)/(Multiplier+1) makes successive delays strictly
	// increasing until MaxBackoff is reached.
	Jitter float64
}

// DefaultRetryPolicy returns 30s doubling delays capped at one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
		Jitter:         0.25,
	}
}

// Backoff returns the delay before the job becomes available again after
// its attempt-th failure (attempt starts at 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	def := DefaultRetryPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = def.Jitter
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// EnqueueOptions configures how a job is enqueued.
type EnqueueOptions struct {
	// Priority for this job (lower = processed sooner).
	Priority int

	// DedupKey coalesces enqueues: while a pending or in_progress job holds
	// the key, further enqueues return that job's ID.
	DedupKey string

	// RunAt schedules the job to become available at a specific time.
	// Zero value means immediately available.
	RunAt time.Time

	// MaxAttempts overrides the configured attempt budget when > 0.
	MaxAttempts int
}

// EnqueueOption is a functional option for Enqueue.
type EnqueueOption func(*EnqueueOptions)

// WithPriority sets the job priority (lower = processed sooner).
func WithPriority(priority int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.Priority = priority
	}
}

// WithDedupKey sets the coalescing key.
func WithDedupKey(key string) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.DedupKey = key
	}
}

// WithDelay delays the job by the given duration from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.RunAt = time.Now().Add(d)
	}
}

// WithRunAt schedules the job to become available at a specific time.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.RunAt = t
	}
}

// WithMaxAttempts overrides the attempt budget for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *EnqueueOptions) {
		o.MaxAttempts = n
	}
}

// applyEnqueueOptions applies options and returns the result.
func applyEnqueueOptions(opts []EnqueueOption) EnqueueOptions {
	options := EnqueueOptions{Priority: DefaultPriority}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
