package ingestq

import (
	"context"
	"time"
)

// Admin provides operational visibility and maintenance for the queue.
// Both turso.New and postgres.New return types that implement Queue and Admin.
type Admin interface {
	// GetJob returns a single job or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// ListJobs returns jobs matching filter, most recently updated first.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)

	// ListFailedJobs returns dead_letter jobs and pending jobs that have
	// failed at least once, most recently updated first. An empty jobType
	// matches all types.
	ListFailedJobs(ctx context.Context, jobType string, limit, offset int) ([]Job, error)

	// ListEvents returns the event history of a job, oldest first.
	ListEvents(ctx context.Context, jobID string) ([]JobEvent, error)

	// CountByStatus returns the number of jobs per status. An empty jobType
	// matches all types.
	CountByStatus(ctx context.Context, jobType string) (map[Status]int64, error)

	// CleanupCompletedJobs deletes completed jobs (and their events) last
	// updated before olderThan. Returns the number of jobs deleted.
	CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error)
}
