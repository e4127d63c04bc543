package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/tarot-reading/backend/internal/models"
)

// JobStore provides database operations for the outbox job queue.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func enqueueJob(ctx context.Context, q queryRower, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	query := `
INSERT INTO jobs (job_type, payload, status, max_attempts, run_after)
VALUES ($1, $2, 'pending', $3, $4)
RETURNING id, status, created_at, updated_at
`
	err := q.QueryRowContext(ctx, query, job.JobType, job.Payload, job.MaxAttempts, job.RunAfter).
		Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Enqueue creates a new job outside any reconcile transaction.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	return enqueueJob(ctx, s.db, job)
}

// ClaimNextJob atomically claims the oldest runnable job. It returns nil when
// the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
UPDATE jobs
SET status = 'processing',
	worker_id = $1,
	attempts = attempts + 1,
	updated_at = now()
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	  AND (run_after IS NULL OR run_after <= now())
	ORDER BY created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, job_type, payload, status, attempts, max_attempts,
	run_after, last_error, worker_id, created_at, updated_at, completed_at
`
	job := &models.Job{}
	err := s.db.QueryRowContext(ctx, query, workerID).Scan(
		&job.ID, &job.JobType, &job.Payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.RunAfter, &job.LastError, &job.WorkerID, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'completed', completed_at = now(), updated_at = now(), worker_id = NULL
WHERE id = $1
`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed parks a job that exhausted its attempts.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now(), worker_id = NULL
WHERE id = $1
`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry returns a job to pending, runnable after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', last_error = $2, run_after = $3, updated_at = now(), worker_id = NULL
WHERE id = $1
`, id, errorMsg, retryAfter)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// ReleaseJob returns a processing job to pending without consuming an attempt.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', attempts = GREATEST(attempts - 1, 0), worker_id = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing'
`, id)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns job counts by status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	query := `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'processing'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed')
FROM jobs
`
	stats := &models.JobStats{}
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed); err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}
