package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/DishankChauhan/blockchain-indexer/internal/apperr"
	"github.com/DishankChauhan/blockchain-indexer/internal/domain/model"
)

type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, job *model.IndexingJob) error {
	filter, err := json.Marshal(job.Filter)
	if err != nil {
		return fmt.Errorf("marshal job filter: %w", err)
	}

	categories := make([]string, 0, len(job.Categories))
	for _, c := range job.Categories {
		categories = append(categories, string(c))
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO indexing_jobs (id, owner_id, connection_id, categories, filter, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
	`, job.ID, job.OwnerID, job.ConnectionID, pq.Array(categories), filter, job.Status)
	if err != nil {
		return fmt.Errorf("insert indexing job: %w", err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id uuid.UUID, ownerID string) (*model.IndexingJob, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, connection_id, categories, filter, status, failure_reason, progress, created_at, updated_at
		FROM indexing_jobs
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID)

	return scanJob(row)
}

// GetByID looks a job up without owner scoping. Reserved for the inbound
// provider path, where the HMAC signature is the trust boundary and the
// callback URL carries no tenant identity.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.IndexingJob, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, connection_id, categories, filter, status, failure_reason, progress, created_at, updated_at
		FROM indexing_jobs
		WHERE id = $1
	`, id)

	return scanJob(row)
}

// UpdateStatus persists a lifecycle transition. The WHERE clause is
// owner-scoped so a cross-tenant update behaves like a missing job.
func (r *JobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, ownerID string, status model.JobStatus, failureReason *string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE indexing_jobs
		SET status = $3, failure_reason = $4, updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`, id, ownerID, status, failureReason)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	return nil
}

func (r *JobRepo) IncrementProgress(ctx context.Context, id uuid.UUID, delta int64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE indexing_jobs SET progress = progress + $2, updated_at = now() WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("increment job progress: %w", err)
	}
	return nil
}

func (r *JobRepo) ListByStatus(ctx context.Context, status model.JobStatus) ([]model.IndexingJob, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, connection_id, categories, filter, status, failure_reason, progress, created_at, updated_at
		FROM indexing_jobs
		WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []model.IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.IndexingJob, error) {
	var (
		job        model.IndexingJob
		categories pq.StringArray
		filter     []byte
	)
	err := row.Scan(&job.ID, &job.OwnerID, &job.ConnectionID, &categories, &filter,
		&job.Status, &job.FailureReason, &job.Progress, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan indexing job: %w", err)
	}

	job.Categories = make([]model.Category, 0, len(categories))
	for _, c := range categories {
		job.Categories = append(job.Categories, model.Category(c))
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &job.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal job filter: %w", err)
		}
	}
	return &job, nil
}
