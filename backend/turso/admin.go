package turso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mhpenta/ingestq"
)

const defaultListLimit = 100

func (s *Store) GetJob(ctx context.Context, jobID string) (ingestq.Job, error) {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return ingestq.Job{}, err
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ingestq.Job{}, ingestq.ErrNotFound
		}
		return ingestq.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching filter, most recently updated first.
func (s *Store) ListJobs(ctx context.Context, filter ingestq.JobFilter) ([]ingestq.Job, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, filter.JobType)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	return s.queryJobs(ctx, query, args...)
}

// ListFailedJobs returns dead_letter jobs and pending jobs that have failed
// at least once, most recently updated first.
func (s *Store) ListFailedJobs(ctx context.Context, jobType string, limit, offset int) ([]ingestq.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (status = 'dead_letter' OR (status = 'pending' AND attempt_count > 0))
		  AND (? = '' OR job_type = ?)
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		jobType, jobType, listLimit(limit), max(offset, 0))
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]ingestq.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// ListEvents returns the event history of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]ingestq.JobEvent, error) {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, error_message, metadata, duration_ms, attempt_number, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	events := []ingestq.JobEvent{}
	for rows.Next() {
		var e ingestq.JobEvent
		var status, metadata string
		var errMsg sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.JobID, &status, &errMsg, &metadata, &e.DurationMS, &e.AttemptNumber, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan job event: %w", err)
		}
		e.Status = ingestq.Status(status)
		e.ErrorMessage = errMsg.String
		e.Metadata = json.RawMessage(metadata)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByStatus returns the number of jobs per status. Statuses with no jobs
// are reported as zero.
func (s *Store) CountByStatus(ctx context.Context, jobType string) (map[ingestq.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs
		WHERE (? = '' OR job_type = ?)
		GROUP BY status`, jobType, jobType)
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

// CleanupCompletedJobs deletes completed jobs (and their events) last updated
// before olderThan.
func (s *Store) CleanupCompletedJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := millis(olderThan)
	_, err = tx.ExecContext(ctx, `
		DELETE FROM job_events
		WHERE job_id IN (SELECT id FROM jobs WHERE status = 'completed' AND updated_at < ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete job events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE status = 'completed' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return n, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
