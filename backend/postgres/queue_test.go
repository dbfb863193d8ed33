//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/backend/postgres"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() ingestq.Config {
	return ingestq.Config{
		MaxAttempts:   3,
		LeaseDuration: time.Minute,
		Retry: ingestq.RetryPolicy{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
		},
	}
}

// testSetup truncates every table; tests in this package must not run in
// parallel.
func testSetup(t *testing.T) (*postgres.Store, *testClock) {
	t.Helper()

	_, err := testPool.Exec(context.Background(),
		`TRUNCATE TABLE job_events, jobs, feeds, categorization_rules, videos, channels`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return postgres.New(testPool, testConfig(), postgres.WithClock(clock.Now)), clock
}

func mustEnqueue(t *testing.T, store *postgres.Store, jobType string, opts ...ingestq.EnqueueOption) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), jobType, []byte(`{"message":"hi"}`), opts...)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func mustDequeue(t *testing.T, store *postgres.Store, workerID string, limit int, jobTypes ...string) []ingestq.Job {
	t.Helper()
	jobs, err := store.Dequeue(context.Background(), workerID, jobTypes, limit)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return jobs
}

func mustGetJob(t *testing.T, store *postgres.Store, id string) ingestq.Job {
	t.Helper()
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return j
}

func TestEnqueueDequeue(t *testing.T) {
	store, clock := testSetup(t)

	id := mustEnqueue(t, store, "test-job")
	jobs := mustDequeue(t, store, "w1", 1, "test-job")
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if j.ID != id {
		t.Errorf("job.ID = %q, want %q", j.ID, id)
	}
	if j.Status != ingestq.StatusInProgress || j.LeasedBy != "w1" {
		t.Errorf("job = %+v, want in_progress leased by w1", j)
	}
	if want := clock.Now().Add(time.Minute); !j.LeaseExpiresAt.Equal(want) {
		t.Errorf("LeaseExpiresAt = %v, want %v", j.LeaseExpiresAt, want)
	}
	if string(j.Payload) != `{"message": "hi"}` && string(j.Payload) != `{"message":"hi"}` {
		t.Errorf("Payload = %s", j.Payload)
	}
}

func TestDedupConcurrentEnqueue(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 3)
	errs := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = store.Enqueue(ctx, "test-job", []byte(`{}`), ingestq.WithDedupKey("K"))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("ids = %v, want all equal", ids)
	}

	mustDequeue(t, store, "w1", 1, "test-job")
	if again := mustEnqueue(t, store, "test-job", ingestq.WithDedupKey("K")); again != ids[0] {
		t.Fatalf("enqueue while in_progress = %q, want %q", again, ids[0])
	}
	if err := store.MarkCompleted(ctx, ids[0], "w1"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if fresh := mustEnqueue(t, store, "test-job", ingestq.WithDedupKey("K")); fresh == ids[0] {
		t.Fatal("completed job should free its dedup key")
	}
}

func TestDequeueLimitAndOrder(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	for range 120 {
		mustEnqueue(t, store, "test-job")
		clock.Advance(time.Millisecond)
	}
	urgent := mustEnqueue(t, store, "test-job", ingestq.WithPriority(1))

	jobs := mustDequeue(t, store, "w1", 10, "test-job")
	if len(jobs) != 10 {
		t.Fatalf("len(jobs) = %d, want 10", len(jobs))
	}
	if jobs[0].ID != urgent {
		t.Errorf("first job = %s, want priority 1 job %s", jobs[0].ID, urgent)
	}
	for i := 2; i < len(jobs); i++ {
		if jobs[i].CreatedAt.Before(jobs[i-1].CreatedAt) {
			t.Errorf("jobs not FIFO within priority at %d", i)
		}
	}

	counts, err := store.CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[ingestq.StatusInProgress] != 10 || counts[ingestq.StatusPending] != 111 {
		t.Errorf("counts = %v, want 10 in_progress and 111 pending", counts)
	}
}

func TestConcurrentDequeueNoDuplicates(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	const total = 100
	for range total {
		mustEnqueue(t, store, "test-job")
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var dupes []string

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := fmt.Sprintf("w%d", w)
			for {
				jobs, err := store.Dequeue(ctx, workerID, []string{"test-job"}, 5)
				if err != nil {
					t.Errorf("Dequeue failed: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, ok := seen[j.ID]; ok {
						dupes = append(dupes, fmt.Sprintf("%s claimed by %s and %s", j.ID, prev, workerID))
					}
					seen[j.ID] = workerID
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(dupes) > 0 {
		t.Fatalf("duplicate claims: %v", dupes)
	}
	if len(seen) != total {
		t.Fatalf("claimed %d jobs, want %d", len(seen), total)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "test-job")
	mustDequeue(t, store, "w1", 1, "test-job")
	if jobs := mustDequeue(t, store, "w2", 1, "test-job"); len(jobs) != 0 {
		t.Fatal("leased job claimed twice")
	}

	clock.Advance(time.Minute)
	jobs := mustDequeue(t, store, "w2", 1, "test-job")
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].LeasedBy != "w2" {
		t.Fatalf("reclaim = %+v, want job %s leased by w2", jobs, id)
	}

	events, err := store.ListEvents(ctx, id)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	last := events[len(events)-1]
	if string(last.Metadata) == "" || last.Status != ingestq.StatusInProgress {
		t.Fatalf("last event = %+v, want in_progress", last)
	}
}

func TestStaleWorkerCannotReportReclaimedJob(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "test-job")
	if err := store.MarkCompleted(ctx, id, "w1"); !errors.Is(err, ingestq.ErrInvalidTransition) {
		t.Fatalf("MarkCompleted on pending: err = %v, want ErrInvalidTransition", err)
	}

	mustDequeue(t, store, "w1", 1, "test-job")
	clock.Advance(2 * time.Minute)
	if jobs := mustDequeue(t, store, "w2", 1, "test-job"); len(jobs) != 1 {
		t.Fatal("expired lease was not reclaimed")
	}

	if err := store.MarkFailed(ctx, id, "w1", errors.New("deadline exceeded")); !errors.Is(err, ingestq.ErrNotLeaseHolder) {
		t.Fatalf("MarkFailed by old holder: err = %v, want ErrNotLeaseHolder", err)
	}
	if err := store.MarkCompleted(ctx, id, "w1"); !errors.Is(err, ingestq.ErrNotLeaseHolder) {
		t.Fatalf("MarkCompleted by old holder: err = %v, want ErrNotLeaseHolder", err)
	}
	j := mustGetJob(t, store, id)
	if j.Status != ingestq.StatusInProgress || j.LeasedBy != "w2" || j.AttemptCount != 0 {
		t.Fatalf("job = status %q leased_by %q attempts %d, want in_progress w2 0", j.Status, j.LeasedBy, j.AttemptCount)
	}

	if err := store.MarkCompleted(ctx, id, "w2"); err != nil {
		t.Fatalf("MarkCompleted by holder failed: %v", err)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "test-job")
	for attempt := 1; attempt <= 3; attempt++ {
		if jobs := mustDequeue(t, store, "w1", 1, "test-job"); len(jobs) != 1 {
			t.Fatalf("attempt %d: len(jobs) = %d, want 1", attempt, len(jobs))
		}
		if err := store.MarkFailed(ctx, id, "w1", fmt.Errorf("failure %d", attempt)); err != nil {
			t.Fatalf("attempt %d: MarkFailed failed: %v", attempt, err)
		}
		j := mustGetJob(t, store, id)
		if attempt < 3 {
			if j.Status != ingestq.StatusPending {
				t.Fatalf("attempt %d: Status = %q, want pending", attempt, j.Status)
			}
			if !j.AvailableAt.After(clock.Now()) {
				t.Fatalf("attempt %d: AvailableAt = %v, want in the future", attempt, j.AvailableAt)
			}
		}
		clock.Advance(time.Minute)
	}

	j := mustGetJob(t, store, id)
	if j.Status != ingestq.StatusDeadLetter || j.AttemptCount != 3 || j.LastError != "failure 3" {
		t.Fatalf("job = %+v, want dead_letter after 3 attempts", j)
	}

	events, err := store.ListEvents(ctx, id)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if n := len(events); events[n-2].Status != ingestq.StatusFailed || events[n-1].Status != ingestq.StatusDeadLetter {
		t.Errorf("last events = %v %v, want failed dead_letter", events[n-2].Status, events[n-1].Status)
	}

	if err := store.AcceptDeadLetter(ctx, id); err != nil {
		t.Fatalf("AcceptDeadLetter failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, id, "w1"); err != nil {
		t.Fatalf("MarkCompleted on completed job: %v", err)
	}
	if err := store.AcceptDeadLetter(ctx, id); !errors.Is(err, ingestq.ErrInvalidTransition) {
		t.Errorf("second AcceptDeadLetter: err = %v, want ErrInvalidTransition", err)
	}
}

func TestReleaseAndCleanup(t *testing.T) {
	store, clock := testSetup(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "test-job")
	mustDequeue(t, store, "w1", 1, "test-job")
	if err := store.Release(ctx, id, "w2"); !errors.Is(err, ingestq.ErrNotLeaseHolder) {
		t.Fatalf("Release by non-holder: err = %v, want ErrNotLeaseHolder", err)
	}
	if err := store.Release(ctx, id, "w1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	mustDequeue(t, store, "w2", 1, "test-job")
	if err := store.MarkCompleted(ctx, id, "w2"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	clock.Advance(time.Hour)
	n, err := store.CleanupCompletedJobs(ctx, clock.Now())
	if err != nil {
		t.Fatalf("CleanupCompletedJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := store.GetJob(ctx, id); !errors.Is(err, ingestq.ErrNotFound) {
		t.Errorf("GetJob after cleanup: err = %v, want ErrNotFound", err)
	}
	events, err := store.ListEvents(ctx, id)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0 after cascade", len(events))
	}
}

func TestListFailedJobs(t *testing.T) {
	store, _ := testSetup(t)
	ctx := context.Background()

	mustEnqueue(t, store, "other")
	id := mustEnqueue(t, store, "test-job")
	mustDequeue(t, store, "w1", 1, "test-job")
	if err := store.MarkFailed(ctx, id, "w1", errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	failed, err := store.ListFailedJobs(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("ListFailedJobs failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("failed = %+v, want only %s", failed, id)
	}

	listed, err := store.ListJobs(ctx, ingestq.JobFilter{Statuses: []ingestq.Status{ingestq.StatusPending}, JobType: "other"})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(listed) != 1 || listed[0].JobType != "other" {
		t.Errorf("listed = %+v, want the other job", listed)
	}
}
