package ingestq

import "context"

// Queue is the interface for the job queue.
// It stores typed JSON payloads with priority, dedup, lease, retry and
// dead-letter semantics. The queue has no knowledge of what jobs do.
type Queue interface {
	// Enqueue adds a job to the queue and returns its ID. When a dedup key
	// is set and a pending or in_progress job already holds it, the existing
	// job's ID is returned and nothing is inserted.
	Enqueue(ctx context.Context, jobType string, payload []byte, opts ...EnqueueOption) (string, error)

	// Dequeue atomically claims up to limit eligible jobs of the given types
	// for workerID, ordered by priority then creation time. It returns an
	// empty slice when nothing is eligible.
	Dequeue(ctx context.Context, workerID string, jobTypes []string, limit int) ([]Job, error)

	// MarkCompleted marks a job leased by workerID as successfully completed.
	// Completing an already completed job is a no-op. It fails with
	// ErrNotLeaseHolder once another worker has reclaimed the job.
	MarkCompleted(ctx context.Context, jobID string, workerID string) error

	// MarkFailed records a failed attempt by workerID. The job is rescheduled
	// with backoff, or moved to dead_letter when its attempts are exhausted or
	// jobErr is permanent (see Permanent). It fails with ErrNotLeaseHolder
	// once another worker has reclaimed the job.
	MarkFailed(ctx context.Context, jobID string, workerID string, jobErr error) error

	// Release returns a job leased by workerID to pending immediately,
	// without counting an attempt.
	Release(ctx context.Context, jobID string, workerID string) error

	// AcceptDeadLetter moves a dead_letter job to completed without running
	// it. It fails with ErrInvalidTransition for any other status.
	AcceptDeadLetter(ctx context.Context, jobID string) error
}
