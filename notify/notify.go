// Package notify carries wake-up signals from producers to idle workers over
// Redis. Signals are hints only: a lost signal costs one poll interval, and a
// spurious one costs an empty Dequeue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "ingestq:wake:"

// Redis signals through one list per job type. Each list holds at most one
// pending token, so a burst of enqueues wakes a single waiter.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

type Option func(*Redis)

// WithPrefix overrides the key prefix of the wake lists.
func WithPrefix(prefix string) Option {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func New(rdb *redis.Client, opts ...Option) *Redis {
	r := &Redis{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(jobType string) string {
	return r.prefix + jobType
}

// Notify wakes one waiter blocked on jobType.
func (r *Redis) Notify(ctx context.Context, jobType string) error {
	key := r.key(jobType)
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, "1")
	pipe.LTrim(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to notify %s: %w", jobType, err)
	}
	return nil
}

// Wait blocks until any of jobTypes is notified or timeout elapses.
func (r *Redis) Wait(ctx context.Context, jobTypes []string, timeout time.Duration) error {
	if len(jobTypes) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	keys := make([]string, len(jobTypes))
	for i, jt := range jobTypes {
		keys[i] = r.key(jt)
	}

	err := r.rdb.BRPop(ctx, timeout, keys...).Err()
	switch {
	case err == nil, errors.Is(err, redis.Nil):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("failed to wait for notification: %w", err)
	}
}

// Notifier is the producer side of a wake-up channel.
type Notifier interface {
	Notify(ctx context.Context, jobType string) error
}

// NotifyingQueue wraps an ingestq.Queue and signals after every enqueue that is
// immediately available. Notification failures are logged, never returned.
type NotifyingQueue struct {
	ingestq.Queue
	notifier Notifier
	logger   *slog.Logger
}

func NewNotifyingQueue(q ingestq.Queue, n Notifier, logger *slog.Logger) *NotifyingQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyingQueue{Queue: q, notifier: n, logger: logger}
}

func (q *NotifyingQueue) Enqueue(ctx context.Context, jobType string, payload []byte, opts ...ingestq.EnqueueOption) (string, error) {
	id, err := q.Queue.Enqueue(ctx, jobType, payload, opts...)
	if err != nil {
		return "", err
	}
	if runAt := ingestq.ResolveEnqueueOptions(opts).RunAt; runAt.After(time.Now()) {
		return id, nil
	}
	if err := q.notifier.Notify(ctx, jobType); err != nil {
		q.logger.Warn("wake-up notification failed", "job_type", jobType, "error", err)
	}
	return id, nil
}
