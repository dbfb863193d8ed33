package turso

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mhpenta/ingestq"
)

const jobColumns = `id, job_type, payload, priority, dedup_key, status, attempt_count, max_attempts,
	last_error, leased_by, leased_at, lease_expires_at, available_at, created_at, updated_at`

// maxDedupRetries bounds the insert/lookup loop when the job holding a dedup
// key finishes between our insert and our lookup.
const maxDedupRetries = 3

func scanJob(row scanner) (ingestq.Job, error) {
	var j ingestq.Job
	var status string
	var dedupKey, lastError, leasedBy sql.NullString
	var leasedAt, leaseExpiresAt sql.NullInt64
	var availableAt, createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &j.Priority, &dedupKey, &status,
		&j.AttemptCount, &j.MaxAttempts, &lastError, &leasedBy, &leasedAt, &leaseExpiresAt,
		&availableAt, &createdAt, &updatedAt)
	if err != nil {
		return ingestq.Job{}, err
	}
	j.Status = ingestq.Status(status)
	j.DedupKey = dedupKey.String
	j.LastError = lastError.String
	j.LeasedBy = leasedBy.String
	j.LeasedAt = fromNullMillis(leasedAt)
	j.LeaseExpiresAt = fromNullMillis(leaseExpiresAt)
	j.AvailableAt = fromMillis(availableAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}

func (s *Store) Enqueue(ctx context.Context, jobType string, payload []byte, opts ...ingestq.EnqueueOption) (string, error) {
	options := ingestq.ResolveEnqueueOptions(opts)
	if err := ingestq.ValidateEnqueue(jobType, payload, options); err != nil {
		return "", err
	}

	maxAttempts := options.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.config.MaxAttemptsFor(jobType)
	}

	for range maxDedupRetries {
		id, inserted, err := s.insertJob(ctx, jobType, payload, options, maxAttempts)
		if err != nil {
			return "", err
		}
		if inserted {
			return id, nil
		}
		if options.DedupKey == "" {
			return "", fmt.Errorf("failed to insert job %s: conflict without dedup key", id)
		}

		var existing string
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE dedup_key = ? AND status IN ('pending', 'in_progress')`,
			options.DedupKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to look up dedup key: %w", err)
		}
	}
	return "", fmt.Errorf("failed to enqueue job: dedup key %q kept changing hands", options.DedupKey)
}

func (s *Store) insertJob(ctx context.Context, jobType string, payload []byte, options ingestq.EnqueueOptions, maxAttempts int) (string, bool, error) {
	now := s.now()
	availableAt := now
	if options.RunAt.After(now) {
		availableAt = options.RunAt
	}
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, priority, dedup_key, status, attempt_count, max_attempts,
			available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		id, jobType, payload, options.Priority, nullString(options.DedupKey), maxAttempts,
		millis(availableAt), millis(now), millis(now))
	if err != nil {
		return "", false, fmt.Errorf("failed to insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to insert job: %w", err)
	}
	if n == 0 {
		return id, false, nil
	}

	err = insertEvent(ctx, tx, ingestq.JobEvent{
		JobID:     id,
		Status:    ingestq.StatusPending,
		Metadata:  ingestq.EventMetadata(map[string]any{"enqueued": true}),
		CreatedAt: now,
	})
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return id, true, nil
}

func (s *Store) Dequeue(ctx context.Context, workerID string, jobTypes []string, limit int) ([]ingestq.Job, error) {
	if err := ingestq.ValidateDequeue(workerID, jobTypes, limit); err != nil {
		return nil, err
	}
	if s.config.ClaimTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ClaimTimeout)
		defer cancel()
	}

	now := s.now()
	leaseExpiresAt := now.Add(s.leaseDuration())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(jobTypes)+3)
	for _, jt := range jobTypes {
		args = append(args, jt)
	}
	args = append(args, millis(now), millis(now), limit)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, status FROM jobs
		WHERE job_type IN (`+placeholders(len(jobTypes))+`)
		  AND available_at <= ?
		  AND (status = 'pending' OR (status = 'in_progress' AND lease_expires_at <= ?))
		ORDER BY priority ASC, created_at ASC, rowid ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}
	var ids []any
	reclaimed := make(map[string]bool)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
		reclaimed[id] = status == string(ingestq.StatusInProgress)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}
	if len(ids) == 0 {
		return []ingestq.Job{}, nil
	}

	updateArgs := append([]any{workerID, millis(now), millis(leaseExpiresAt), millis(now)}, ids...)
	updateArgs = append(updateArgs, millis(now))
	rows, err = tx.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'in_progress', leased_by = ?, leased_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)
		  AND (status = 'pending' OR (status = 'in_progress' AND lease_expires_at <= ?))
		RETURNING `+jobColumns, updateArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	var jobs []ingestq.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	for _, j := range jobs {
		err := insertEvent(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusInProgress,
			AttemptNumber: j.AttemptCount,
			Metadata: ingestq.EventMetadata(map[string]any{
				"worker_id": workerID,
				"reclaimed": reclaimed[j.ID],
			}),
			CreatedAt: now,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	// RETURNING order is unspecified.
	slices.SortStableFunc(jobs, compareJobs)
	return jobs, nil
}

func compareJobs(a, b ingestq.Job) int {
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

func (s *Store) leaseDuration() time.Duration {
	if s.config.LeaseDuration > 0 {
		return s.config.LeaseDuration
	}
	return ingestq.DefaultConfig().LeaseDuration
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string, workerID string) error {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return err
	}

	return s.transition(ctx, jobID, func(tx *sql.Tx, j ingestq.Job, now time.Time) error {
		switch {
		case j.Status == ingestq.StatusCompleted:
			return errNoop
		case j.Status != ingestq.StatusInProgress:
			return ingestq.ErrInvalidTransition
		case j.LeasedBy != workerID:
			return ingestq.ErrNotLeaseHolder
		}
		if err := s.finish(ctx, tx, j.ID, ingestq.StatusCompleted, now); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusCompleted,
			DurationMS:    ingestq.ElapsedMS(j.LeasedAt, now),
			AttemptNumber: j.AttemptCount,
			Metadata:      ingestq.EventMetadata(nil),
			CreatedAt:     now,
		})
	})
}

func (s *Store) MarkFailed(ctx context.Context, jobID string, workerID string, jobErr error) error {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return err
	}
	if jobErr == nil {
		jobErr = errors.New("unknown error")
	}
	msg := ingestq.ErrorMessage(jobErr)
	permanent := ingestq.IsPermanent(jobErr)

	return s.transition(ctx, jobID, func(tx *sql.Tx, j ingestq.Job, now time.Time) error {
		if j.Status != ingestq.StatusInProgress {
			return ingestq.ErrInvalidTransition
		}
		if j.LeasedBy != workerID {
			return ingestq.ErrNotLeaseHolder
		}
		attempts := j.AttemptCount + 1
		duration := ingestq.ElapsedMS(j.LeasedAt, now)

		if permanent || attempts >= j.MaxAttempts {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'dead_letter', attempt_count = ?, last_error = ?,
				    leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ?`,
				attempts, msg, millis(now), j.ID)
			if err != nil {
				return fmt.Errorf("failed to dead-letter job: %w", err)
			}
			err = insertEvent(ctx, tx, ingestq.JobEvent{
				JobID:         j.ID,
				Status:        ingestq.StatusFailed,
				ErrorMessage:  msg,
				DurationMS:    duration,
				AttemptNumber: attempts,
				Metadata:      ingestq.EventMetadata(map[string]any{"permanent": permanent}),
				CreatedAt:     now,
			})
			if err != nil {
				return err
			}
			return insertEvent(ctx, tx, ingestq.JobEvent{
				JobID:         j.ID,
				Status:        ingestq.StatusDeadLetter,
				ErrorMessage:  msg,
				AttemptNumber: attempts,
				Metadata:      ingestq.EventMetadata(map[string]any{"permanent": permanent}),
				CreatedAt:     now,
			})
		}

		delay := s.config.Retry.Backoff(attempts)
		retryAt := now.Add(delay)
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'pending', attempt_count = ?, last_error = ?, available_at = ?,
			    leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			attempts, msg, millis(retryAt), millis(now), j.ID)
		if err != nil {
			return fmt.Errorf("failed to reschedule job: %w", err)
		}
		return insertEvent(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusFailed,
			ErrorMessage:  msg,
			DurationMS:    duration,
			AttemptNumber: attempts,
			Metadata: ingestq.EventMetadata(map[string]any{
				"retry_at":   retryAt.Format(time.RFC3339Nano),
				"backoff_ms": delay.Milliseconds(),
			}),
			CreatedAt: now,
		})
	})
}

func (s *Store) Release(ctx context.Context, jobID string, workerID string) error {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return err
	}

	return s.transition(ctx, jobID, func(tx *sql.Tx, j ingestq.Job, now time.Time) error {
		if j.Status != ingestq.StatusInProgress {
			return ingestq.ErrInvalidTransition
		}
		if j.LeasedBy != workerID {
			return ingestq.ErrNotLeaseHolder
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'pending', available_at = ?,
			    leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`,
			millis(now), millis(now), j.ID)
		if err != nil {
			return fmt.Errorf("failed to release job: %w", err)
		}
		return insertEvent(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusPending,
			DurationMS:    ingestq.ElapsedMS(j.LeasedAt, now),
			AttemptNumber: j.AttemptCount,
			Metadata:      ingestq.EventMetadata(map[string]any{"released": true, "worker_id": workerID}),
			CreatedAt:     now,
		})
	})
}

func (s *Store) AcceptDeadLetter(ctx context.Context, jobID string) error {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return err
	}

	return s.transition(ctx, jobID, func(tx *sql.Tx, j ingestq.Job, now time.Time) error {
		if j.Status != ingestq.StatusDeadLetter {
			return ingestq.ErrInvalidTransition
		}
		if err := s.finish(ctx, tx, j.ID, ingestq.StatusCompleted, now); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusCompleted,
			AttemptNumber: j.AttemptCount,
			Metadata:      ingestq.EventMetadata(map[string]any{"manual_accept": true}),
			CreatedAt:     now,
		})
	})
}

// errNoop commits nothing and reports success.
var errNoop = errors.New("noop")

// transition loads jobID inside a transaction and runs apply on it.
func (s *Store) transition(ctx context.Context, jobID string, apply func(tx *sql.Tx, j ingestq.Job, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ingestq.ErrNotFound
		}
		return fmt.Errorf("failed to get job: %w", err)
	}

	if err := apply(tx, j, s.now()); err != nil {
		if errors.Is(err, errNoop) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) finish(ctx context.Context, tx *sql.Tx, jobID string, status ingestq.Status, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(status), millis(now), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e ingestq.JobEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if len(e.Metadata) == 0 {
		e.Metadata = ingestq.EventMetadata(nil)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, status, error_message, metadata, duration_ms, attempt_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, string(e.Status), nullString(e.ErrorMessage), string(e.Metadata),
		e.DurationMS, e.AttemptNumber, millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job event: %w", err)
	}
	return nil
}
