package notify_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/notify"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQueue struct {
	ingestq.Queue
	err error
}

func (q *stubQueue) Enqueue(ctx context.Context, jobType string, payload []byte, opts ...ingestq.EnqueueOption) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	return "job-1", nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, jobType string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, jobType)
	return n.err
}

func TestQueueNotifiesImmediateJobs(t *testing.T) {
	n := &recordingNotifier{}
	q := notify.NewNotifyingQueue(&stubQueue{}, n, nil)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "a", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	_, err = q.Enqueue(ctx, "b", []byte(`{}`), ingestq.WithRunAt(time.Now().Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, n.types)
}

func TestQueueIgnoresNotifyFailure(t *testing.T) {
	n := &recordingNotifier{err: errors.New("redis down")}
	q := notify.NewNotifyingQueue(&stubQueue{}, n, nil)

	id, err := q.Enqueue(context.Background(), "a", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestQueueSkipsNotifyOnEnqueueError(t *testing.T) {
	n := &recordingNotifier{}
	q := notify.NewNotifyingQueue(&stubQueue{err: errors.New("boom")}, n, nil)

	_, err := q.Enqueue(context.Background(), "a", []byte(`{}`))
	require.Error(t, err)
	assert.Empty(t, n.types)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("INGESTQ_REDIS_ADDR")
	if addr == "" {
		t.Skip("INGESTQ_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestRedisNotifyWakesWaiter(t *testing.T) {
	rdb := redisClient(t)
	n := notify.New(rdb, notify.WithPrefix("ingestq-test:"+uuid.NewString()+":"))
	ctx := context.Background()

	// A burst collapses into one token.
	for range 3 {
		require.NoError(t, n.Notify(ctx, "a"))
	}

	start := time.Now()
	require.NoError(t, n.Wait(ctx, []string{"b", "a"}, 5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)

	start = time.Now()
	require.NoError(t, n.Wait(ctx, []string{"a"}, time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRedisWaitHonorsContext(t *testing.T) {
	rdb := redisClient(t)
	n := notify.New(rdb, notify.WithPrefix("ingestq-test:"+uuid.NewString()+":"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := n.Wait(ctx, []string{"a"}, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
