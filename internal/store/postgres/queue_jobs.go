package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/relaywarm/internal/models"
)

type QueueStore struct {
	db *sql.DB
}

func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

const queueJobColumns = `id, public_id, server_id, to_address, from_address, subject, meta, attempts, status,
	scheduled_at, last_error, created_at, updated_at, done_at`

func scanQueueJob(row rowScanner, job *models.QueueJob) error {
	var (
		meta   []byte
		status string
	)
	err := row.Scan(&job.ID, &job.PublicID, &job.ServerID, &job.To, &job.From, &job.Subject, &meta, &job.Attempts, &status,
		&job.ScheduledAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.DoneAt)
	if err != nil {
		return err
	}
	job.Status = models.JobStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Meta); err != nil {
			return fmt.Errorf("decode meta for job %d: %w", job.ID, err)
		}
	}
	return nil
}

func (s *QueueStore) EnqueueJob(ctx context.Context, params models.QueueJobCreateParams) (*models.QueueJob, error) {
	meta, err := json.Marshal(params.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	scheduledAt := params.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	job := &models.QueueJob{}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO queue_jobs (public_id, server_id, to_address, from_address, subject, meta, attempts, scheduled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+queueJobColumns,
		uuid.New(), params.ServerID, params.To, params.From, params.Subject, meta, params.Attempts, scheduledAt,
	)
	if err := scanQueueJob(row, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *QueueStore) RescheduleJob(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET scheduled_at = $2, updated_at = NOW() WHERE id = $1 AND status = 'queued'`,
		id, at,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows)
	}
	return nil
}

// ClaimDueJobs moves up to limit due jobs to processing. Concurrent
// dispatchers never see the same row.
func (s *QueueStore) ClaimDueJobs(ctx context.Context, limit int) ([]models.QueueJob, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`WITH due AS (
			SELECT id
			FROM queue_jobs
			WHERE status = 'queued'
			  AND scheduled_at <= NOW()
			ORDER BY scheduled_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_jobs j
		SET status = 'processing',
			locked_at = NOW(),
			updated_at = NOW()
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.public_id, j.server_id, j.to_address, j.from_address, j.subject, j.meta, j.attempts, j.status,
			j.scheduled_at, j.last_error, j.created_at, j.updated_at, j.done_at`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	var jobs []models.QueueJob
	for rows.Next() {
		var job models.QueueJob
		if err := scanQueueJob(rows, &job); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *QueueStore) MarkJobSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET status = 'sent',
		     last_error = '',
		     done_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	return err
}

// MarkJobRetry requeues the job for another attempt at the given time.
func (s *QueueStore) MarkJobRetry(ctx context.Context, id int64, attempts int, at time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET status = 'queued',
		     attempts = $2,
		     scheduled_at = $3,
		     last_error = $4,
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, attempts, at, lastError,
	)
	return err
}

func (s *QueueStore) MarkJobFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET status = 'failed',
		     last_error = $2,
		     done_at = NOW(),
		     locked_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, lastError,
	)
	return err
}
