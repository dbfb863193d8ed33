package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mhpenta/ingestq"
)

const defaultListLimit = 100

func (s *Store) GetJob(ctx context.Context, jobID string) (ingestq.Job, error) {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return ingestq.Job{}, err
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingestq.Job{}, ingestq.ErrNotFound
		}
		return ingestq.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, filter ingestq.JobFilter) ([]ingestq.Job, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	query += fmt.Sprintf(` ORDER BY updated_at DESC, seq DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return s.queryJobs(ctx, query, args...)
}

func (s *Store) ListFailedJobs(ctx context.Context, jobType string, limit, offset int) ([]ingestq.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (status = 'dead_letter' OR (status = 'pending' AND attempt_count > 0))
		  AND ($1::text = '' OR job_type = $1)
		ORDER BY updated_at DESC, seq DESC
		LIMIT $2 OFFSET $3`,
		jobType, listLimit(limit), max(offset, 0))
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]ingestq.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []ingestq.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, jobID string) ([]ingestq.JobEvent, error) {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, status, error_message, metadata, duration_ms, attempt_number, created_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY created_at ASC, seq ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	events := []ingestq.JobEvent{}
	for rows.Next() {
		var e ingestq.JobEvent
		var status string
		var errMsg *string
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.JobID, &status, &errMsg, &metadata, &e.DurationMS, &e.AttemptNumber, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job event: %w", err)
		}
		e.Status = ingestq.Status(status)
		e.ErrorMessage = derefString(errMsg)
		e.Metadata = metadata
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context, jobType string) (map[ingestq.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs
		WHERE ($1::text = '' OR job_type = $1)
		GROUP BY status`, jobType)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[ingestq.Status]int64{
		ingestq.StatusPending:    0,
		ingestq.StatusInProgress: 0,
		ingestq.StatusCompleted:  0,
		ingestq.StatusDeadLetter: 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[ingestq.Status(status)] = n
	}
	return counts, rows.Err()
}

// CleanupCompletedJobs relies on ON DELETE CASCADE to drop job_events.
func (s *Store) CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND updated_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
