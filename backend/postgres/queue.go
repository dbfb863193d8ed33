package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mhpenta/ingestq"
)

const jobColumns = `id, job_type, payload, priority, dedup_key, status, attempt_count, max_attempts,
	last_error, leased_by, leased_at, lease_expires_at, available_at, created_at, updated_at`

const maxDedupRetries = 3

// errNoop aborts a transition without error.
var errNoop = errors.New("noop")

func scanJob(row pgx.Row, extra ...any) (ingestq.Job, error) {
	var j ingestq.Job
	var status string
	var dedupKey, lastError, leasedBy *string
	var leasedAt, leaseExpiresAt *time.Time
	dest := append(extra,
		&j.ID, &j.JobType, &j.Payload, &j.Priority, &dedupKey, &status,
		&j.AttemptCount, &j.MaxAttempts, &lastError, &leasedBy, &leasedAt, &leaseExpiresAt,
		&j.AvailableAt, &j.CreatedAt, &j.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return ingestq.Job{}, err
	}
	j.Status = ingestq.Status(status)
	j.DedupKey = derefString(dedupKey)
	j.LastError = derefString(lastError)
	j.LeasedBy = derefString(leasedBy)
	j.LeasedAt = derefTime(leasedAt)
	j.LeaseExpiresAt = derefTime(leaseExpiresAt)
	j.AvailableAt = j.AvailableAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
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
		id, err := withTx(ctx, s.pool, func(tx pgx.Tx) (string, error) {
			now := s.now()
			availableAt := now
			if options.RunAt.After(now) {
				availableAt = options.RunAt
			}

			var id string
			err := tx.QueryRow(ctx, `
				INSERT INTO jobs (id, job_type, payload, priority, dedup_key, status, attempt_count, max_attempts,
					available_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $8, $8)
				ON CONFLICT DO NOTHING
				RETURNING id`,
				uuid.NewString(), jobType, payload, options.Priority, optString(options.DedupKey),
				maxAttempts, availableAt, now).Scan(&id)
			if err != nil {
				return "", err
			}
			return id, insertEvents(ctx, tx, ingestq.JobEvent{
				JobID:     id,
				Status:    ingestq.StatusPending,
				Metadata:  ingestq.EventMetadata(map[string]any{"enqueued": true}),
				CreatedAt: now,
			})
		})
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("failed to insert job: %w", err)
		}
		if options.DedupKey == "" {
			return "", errors.New("failed to insert job: conflict without dedup key")
		}

		var existing string
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM jobs WHERE dedup_key = $1 AND status IN ('pending', 'in_progress')`,
			options.DedupKey).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("failed to look up dedup key: %w", err)
		}
	}
	return "", fmt.Errorf("failed to enqueue job: dedup key %q kept changing hands", options.DedupKey)
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

	jobs, err := withTx(ctx, s.pool, func(tx pgx.Tx) ([]ingestq.Job, error) {
		now := s.now()
		rows, err := tx.Query(ctx, `
			WITH candidates AS (
				SELECT id, status AS prev_status
				FROM jobs
				WHERE job_type = ANY($1)
				  AND available_at <= $2
				  AND (status = 'pending' OR (status = 'in_progress' AND lease_expires_at <= $2))
				ORDER BY priority ASC, created_at ASC, seq ASC
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j
			SET status = 'in_progress', leased_by = $4, leased_at = $2, lease_expires_at = $5, updated_at = $2
			FROM candidates c
			WHERE j.id = c.id
			RETURNING c.prev_status, j.id, j.job_type, j.payload, j.priority, j.dedup_key, j.status,
				j.attempt_count, j.max_attempts, j.last_error, j.leased_by, j.leased_at, j.lease_expires_at,
				j.available_at, j.created_at, j.updated_at`,
			jobTypes, now, limit, workerID, now.Add(s.leaseDuration()))
		if err != nil {
			return nil, fmt.Errorf("failed to claim jobs: %w", err)
		}

		var jobs []ingestq.Job
		var events []ingestq.JobEvent
		for rows.Next() {
			var prev string
			j, err := scanJob(rows, &prev)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan job: %w", err)
			}
			jobs = append(jobs, j)
			events = append(events, ingestq.JobEvent{
				JobID:         j.ID,
				Status:        ingestq.StatusInProgress,
				AttemptNumber: j.AttemptCount,
				Metadata: ingestq.EventMetadata(map[string]any{
					"worker_id": workerID,
					"reclaimed": prev == string(ingestq.StatusInProgress),
				}),
				CreatedAt: now,
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to claim jobs: %w", err)
		}

		if err := insertEvents(ctx, tx, events...); err != nil {
			return nil, err
		}
		return jobs, nil
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []ingestq.Job{}
	}

	// UPDATE ... RETURNING does not preserve the CTE's order.
	slices.SortStableFunc(jobs, func(a, b ingestq.Job) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
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
	return s.transition(ctx, jobID, func(tx pgx.Tx, j ingestq.Job, now time.Time) error {
		switch {
		case j.Status == ingestq.StatusCompleted:
			return errNoop
		case j.Status != ingestq.StatusInProgress:
			return ingestq.ErrInvalidTransition
		case j.LeasedBy != workerID:
			return ingestq.ErrNotLeaseHolder
		}
		if err := setStatus(ctx, tx, j.ID, ingestq.StatusCompleted, now); err != nil {
			return err
		}
		return insertEvents(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusCompleted,
			DurationMS:    ingestq.ElapsedMS(j.LeasedAt, now),
			AttemptNumber: j.AttemptCount,
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

	return s.transition(ctx, jobID, func(tx pgx.Tx, j ingestq.Job, now time.Time) error {
		if j.Status != ingestq.StatusInProgress {
			return ingestq.ErrInvalidTransition
		}
		if j.LeasedBy != workerID {
			return ingestq.ErrNotLeaseHolder
		}
		attempts := j.AttemptCount + 1
		failed := ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusFailed,
			ErrorMessage:  msg,
			DurationMS:    ingestq.ElapsedMS(j.LeasedAt, now),
			AttemptNumber: attempts,
			CreatedAt:     now,
		}

		if permanent || attempts >= j.MaxAttempts {
			_, err := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'dead_letter', attempt_count = $1, last_error = $2,
				    leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = $3
				WHERE id = $4`,
				attempts, msg, now, j.ID)
			if err != nil {
				return fmt.Errorf("failed to dead-letter job: %w", err)
			}
			meta := ingestq.EventMetadata(map[string]any{"permanent": permanent})
			failed.Metadata = meta
			return insertEvents(ctx, tx, failed, ingestq.JobEvent{
				JobID:         j.ID,
				Status:        ingestq.StatusDeadLetter,
				ErrorMessage:  msg,
				AttemptNumber: attempts,
				Metadata:      meta,
				CreatedAt:     now,
			})
		}

		delay := s.config.Retry.Backoff(attempts)
		retryAt := now.Add(delay)
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', attempt_count = $1, last_error = $2, available_at = $3,
			    leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = $4
			WHERE id = $5`,
			attempts, msg, retryAt, now, j.ID)
		if err != nil {
			return fmt.Errorf("failed to reschedule job: %w", err)
		}
		failed.Metadata = ingestq.EventMetadata(map[string]any{
			"retry_at":   retryAt.Format(time.RFC3339Nano),
			"backoff_ms": delay.Milliseconds(),
		})
		return insertEvents(ctx, tx, failed)
	})
}

func (s *Store) Release(ctx context.Context, jobID string, workerID string) error {
	if err := ingestq.ValidateJobID(jobID); err != nil {
		return err
	}
	return s.transition(ctx, jobID, func(tx pgx.Tx, j ingestq.Job, now time.Time) error {
		if j.Status != ingestq.StatusInProgress {
			return ingestq.ErrInvalidTransition
		}
		if j.LeasedBy != workerID {
			return ingestq.ErrNotLeaseHolder
		}
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', available_at = $1,
			    leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = $1
			WHERE id = $2`,
			now, j.ID)
		if err != nil {
			return fmt.Errorf("failed to release job: %w", err)
		}
		return insertEvents(ctx, tx, ingestq.JobEvent{
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
	return s.transition(ctx, jobID, func(tx pgx.Tx, j ingestq.Job, now time.Time) error {
		if j.Status != ingestq.StatusDeadLetter {
			return ingestq.ErrInvalidTransition
		}
		if err := setStatus(ctx, tx, j.ID, ingestq.StatusCompleted, now); err != nil {
			return err
		}
		return insertEvents(ctx, tx, ingestq.JobEvent{
			JobID:         j.ID,
			Status:        ingestq.StatusCompleted,
			AttemptNumber: j.AttemptCount,
			Metadata:      ingestq.EventMetadata(map[string]any{"manual_accept": true}),
			CreatedAt:     now,
		})
	})
}

// transition locks jobID for the rest of the transaction and runs apply.
func (s *Store) transition(ctx context.Context, jobID string, apply func(tx pgx.Tx, j ingestq.Job, now time.Time) error) error {
	_, err := withTx(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return struct{}{}, ingestq.ErrNotFound
			}
			return struct{}{}, fmt.Errorf("failed to get job: %w", err)
		}
		return struct{}{}, apply(tx, j, s.now())
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

func setStatus(ctx context.Context, tx pgx.Tx, jobID string, status ingestq.Status, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $1, leased_by = NULL, leased_at = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE id = $3`,
		string(status), now, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// insertEvents appends events in one round trip.
func insertEvents(ctx context.Context, tx pgx.Tx, events ...ingestq.JobEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if len(e.Metadata) == 0 {
			e.Metadata = ingestq.EventMetadata(nil)
		}
		batch.Queue(`
			INSERT INTO job_events (id, job_id, status, error_message, metadata, duration_ms, attempt_number, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.JobID, string(e.Status), optString(e.ErrorMessage), []byte(e.Metadata),
			e.DurationMS, e.AttemptNumber, e.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert job events: %w", err)
	}
	return nil
}
