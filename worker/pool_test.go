package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []ingestq.Job
	completed []string
	failed    map[string]error
	released  []string
	reporters []string
}

func newFakeQueue(jobs ...ingestq.Job) *fakeQueue {
	return &fakeQueue{pending: jobs, failed: make(map[string]error)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobType string, payload []byte, opts ...ingestq.EnqueueOption) (string, error) {
	return "", errors.New("not implemented")
}

func (q *fakeQueue) Dequeue(ctx context.Context, workerID string, jobTypes []string, limit int) ([]ingestq.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.pending))
	out := make([]ingestq.Job, n)
	copy(out, q.pending[:n])
	q.pending = q.pending[n:]
	for i := range out {
		out[i].LeasedBy = workerID
		out[i].Status = ingestq.StatusInProgress
	}
	return out, nil
}

func (q *fakeQueue) MarkCompleted(ctx context.Context, id, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	q.reporters = append(q.reporters, workerID)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id, workerID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = jobErr
	q.reporters = append(q.reporters, workerID)
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, id, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func (q *fakeQueue) AcceptDeadLetter(ctx context.Context, id string) error { return nil }

func job(id, jobType string) ingestq.Job {
	return ingestq.Job{ID: id, JobType: jobType, Payload: []byte(`{}`)}
}

func TestRunOnce_ReportsOutcomes(t *testing.T) {
	q := newFakeQueue(job("ok", "A"), job("bad", "A"), job("perm", "A"))
	p := NewPool(q, Config{BatchSize: 10})
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error {
		switch j.ID {
		case "bad":
			return errors.New("flaky upstream")
		case "perm":
			return ingestq.Permanent(errors.New("malformed payload"))
		}
		return nil
	})

	n, err := p.RunOnce(context.Background(), "w1", p.JobTypes())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"ok"}, q.completed)
	require.Contains(t, q.failed, "bad")
	assert.False(t, ingestq.IsPermanent(q.failed["bad"]))
	require.Contains(t, q.failed, "perm")
	assert.True(t, ingestq.IsPermanent(q.failed["perm"]))
	assert.Equal(t, []string{"w1", "w1", "w1"}, q.reporters)
}

func TestRunOnce_UnknownJobTypeFailsPermanently(t *testing.T) {
	q := newFakeQueue(job("j1", "UNKNOWN"))
	p := NewPool(q, Config{})
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error { return nil })

	_, err := p.RunOnce(context.Background(), "w1", []string{"UNKNOWN"})
	require.NoError(t, err)
	require.Contains(t, q.failed, "j1")
	assert.True(t, ingestq.IsPermanent(q.failed["j1"]))
}

func TestRunOnce_RecoversPanics(t *testing.T) {
	q := newFakeQueue(job("j1", "A"))
	p := NewPool(q, Config{})
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error { panic("boom") })

	_, err := p.RunOnce(context.Background(), "w1", p.JobTypes())
	require.NoError(t, err)
	require.Contains(t, q.failed, "j1")
	assert.Contains(t, q.failed["j1"].Error(), "boom")
}

func TestRunOnce_HandlerDeadlineIsLeaseExpiry(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	j := job("j1", "A")
	j.LeaseExpiresAt = expires
	q := newFakeQueue(j)

	var deadline time.Time
	p := NewPool(q, Config{})
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error {
		deadline, _ = ctx.Deadline()
		return nil
	})

	_, err := p.RunOnce(context.Background(), "w1", p.JobTypes())
	require.NoError(t, err)
	assert.True(t, deadline.Equal(expires))
}

func TestRunOnce_ReleasesJobsWhoseLeaseExpiredInBatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	first, second := job("j1", "A"), job("j2", "A")
	first.LeaseExpiresAt = now.Add(time.Second)
	second.LeaseExpiresAt = now.Add(time.Second)
	q := newFakeQueue(first, second)

	var ran []string
	p := NewPool(q, Config{BatchSize: 2}, WithClock(clock))
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error {
		ran = append(ran, j.ID)
		mu.Lock()
		now = now.Add(2 * time.Second)
		mu.Unlock()
		return nil
	})

	n, err := p.RunOnce(context.Background(), "w1", p.JobTypes())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"j1"}, ran)
	assert.Equal(t, []string{"j1"}, q.completed)
	assert.Empty(t, q.failed)
	assert.Equal(t, []string{"j2"}, q.released)
}

func TestRunOnce_ReleasesUnstartedJobsOnCancel(t *testing.T) {
	q := newFakeQueue(job("j1", "A"), job("j2", "A"), job("j3", "A"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPool(q, Config{BatchSize: 3})
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error {
		cancel()
		return nil
	})

	n, err := p.RunOnce(ctx, "w1", p.JobTypes())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"j1"}, q.completed)
	assert.Equal(t, []string{"j2", "j3"}, q.released)
}

func TestRun_NoHandlers(t *testing.T) {
	p := NewPool(newFakeQueue(), Config{})
	assert.ErrorIs(t, p.Run(context.Background()), ErrNoHandlers)
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	q := newFakeQueue(job("j1", "A"), job("j2", "A"), job("j3", "A"), job("j4", "A"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	done := 0
	p := NewPool(q, Config{Concurrency: 2, BatchSize: 1, PollInterval: 10 * time.Millisecond})
	p.Handle("A", func(ctx context.Context, j ingestq.Job) error {
		mu.Lock()
		defer mu.Unlock()
		done++
		if done == 4 {
			cancel()
		}
		return nil
	})

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []string{"j1", "j2", "j3", "j4"}, q.completed)
}
