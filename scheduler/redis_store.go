package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when a key kept changing under optimistic
// locking for every retry.
var ErrContention = errors.New("scheduler: key state contended")

const (
	defaultRedisPrefix  = "ingestq:schedule:"
	defaultRedisRetries = 10
)

// RedisStore keeps key state in Redis, one string per key holding the run
// time in unix microseconds. Updates use WATCH/MULTI so concurrent
// schedulers never reserve the same slot twice.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	maxRetries int
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL expires idle keys. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) { r.ttl = ttl }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	r := &RedisStore{
		rdb:        rdb,
		prefix:     defaultRedisPrefix,
		maxRetries: defaultRedisRetries,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStore) Update(ctx context.Context, key string, fn func(previous time.Time, exists bool) (next time.Time, err error)) (time.Time, error) {
	if strings.TrimSpace(key) == "" {
		return time.Time{}, ErrEmptyJobKey
	}
	k := r.prefix + key

	var next time.Time
	txf := func(tx *redis.Tx) error {
		var previous time.Time
		exists := false
		v, err := tx.Get(ctx, k).Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to read key state: %w", err)
		default:
			previous, exists = time.UnixMicro(v).UTC(), true
		}

		n, err := fn(previous, exists)
		if err != nil {
			return err
		}
		if n.IsZero() {
			return ErrZeroScheduledAt
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, n.UnixMicro(), r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		next = n
		return nil
	}

	for range r.maxRetries {
		err := r.rdb.Watch(ctx, txf, k)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return time.Time{}, err
		}
	}
	return time.Time{}, ErrContention
}
