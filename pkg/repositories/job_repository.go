package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/database"
	"github.com/polidocs/ingest-engine/pkg/models"
)

// JobRepository defines data access for crawl/sync jobs and the per-resource
// leases that guarantee at most one live job per source or datasource.
type JobRepository interface {
	// Create inserts a new queued job.
	Create(ctx context.Context, job *models.Job) error

	// GetByID retrieves a job by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// MarkStarted moves a queued job to in_progress.
	MarkStarted(ctx context.Context, id uuid.UUID) error

	// UpdateProgress persists the job's live counters.
	UpdateProgress(ctx context.Context, job *models.Job) error

	// Finalize freezes the job in a terminal status.
	Finalize(ctx context.Context, job *models.Job) error

	// ListByParent returns recent jobs for a source or datasource,
	// newest first, limited to limit rows.
	ListByParent(ctx context.Context, parentID uuid.UUID, limit int) ([]*models.Job, error)

	// AcquireLease claims the exclusive run slot for a parent resource.
	// A live lease held by another job yields ErrJobInProgress; an expired
	// lease is reclaimed.
	AcquireLease(ctx context.Context, parentID, jobID uuid.UUID, ttl time.Duration) error

	// ExtendLease pushes the expiry of a held lease forward.
	ExtendLease(ctx context.Context, parentID, jobID uuid.UUID, ttl time.Duration) error

	// ReleaseLease drops the lease if this job still holds it.
	ReleaseLease(ctx context.Context, parentID, jobID uuid.UUID) error
}

type jobRepository struct {
	db *database.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *database.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, kind, source_id, datasource_id, mode, status, current_page,
	pages_visited, pages_failed, documents_found, documents_added, documents_updated,
	documents_duplicate, documents_failed, error, started_at, finished_at,
	duration_ms, created_at`

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	// IDs are generated client-side so a lease can be claimed under the
	// job's id before the row exists.
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()
	job.Status = models.JobQueued

	query := `
		INSERT INTO jobs (id, kind, source_id, datasource_id, mode, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		job.ID, job.Kind, job.SourceID, job.DatasourceID, job.Mode, job.Status, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (r *jobRepository) MarkStarted(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE jobs SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`

	result, err := r.db.Exec(ctx, query, id, models.JobInProgress, time.Now(), models.JobQueued)
	if err != nil {
		return fmt.Errorf("failed to mark job started: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}

	return nil
}

func (r *jobRepository) UpdateProgress(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET current_page = $2, pages_visited = $3, pages_failed = $4,
			documents_found = $5, documents_added = $6, documents_updated = $7,
			documents_duplicate = $8, documents_failed = $9
		WHERE id = $1 AND status = $10`

	result, err := r.db.Exec(ctx, query,
		job.ID, job.CurrentPage, job.PagesVisited, job.PagesFailed,
		job.DocumentsFound, job.DocumentsAdded, job.DocumentsUpdated,
		job.DocumentsDuplicate, job.DocumentsFailed, models.JobInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}

	return nil
}

func (r *jobRepository) Finalize(ctx context.Context, job *models.Job) error {
	now := time.Now()
	job.FinishedAt = &now
	if job.StartedAt != nil {
		job.DurationMs = now.Sub(*job.StartedAt).Milliseconds()
	}

	query := `
		UPDATE jobs
		SET status = $2, current_page = $3, pages_visited = $4, pages_failed = $5,
			documents_found = $6, documents_added = $7, documents_updated = $8,
			documents_duplicate = $9, documents_failed = $10, error = $11,
			finished_at = $12, duration_ms = $13
		WHERE id = $1 AND status NOT IN ($14, $15, $16)`

	result, err := r.db.Exec(ctx, query,
		job.ID, job.Status, job.CurrentPage, job.PagesVisited, job.PagesFailed,
		job.DocumentsFound, job.DocumentsAdded, job.DocumentsUpdated,
		job.DocumentsDuplicate, job.DocumentsFailed, job.Error,
		job.FinishedAt, job.DurationMs,
		models.JobCompleted, models.JobFailed, models.JobCancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}

	return nil
}

func (r *jobRepository) ListByParent(ctx context.Context, parentID uuid.UUID, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE source_id = $1 OR datasource_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, parentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func (r *jobRepository) AcquireLease(ctx context.Context, parentID, jobID uuid.UUID, ttl time.Duration) error {
	query := `
		INSERT INTO job_leases (parent_id, job_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (parent_id) DO UPDATE
		SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
		WHERE job_leases.expires_at < now()`

	result, err := r.db.Exec(ctx, query, parentID, jobID, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to acquire job lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrJobInProgress
	}

	return nil
}

func (r *jobRepository) ExtendLease(ctx context.Context, parentID, jobID uuid.UUID, ttl time.Duration) error {
	query := `UPDATE job_leases SET expires_at = $3 WHERE parent_id = $1 AND job_id = $2`

	result, err := r.db.Exec(ctx, query, parentID, jobID, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to extend job lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *jobRepository) ReleaseLease(ctx context.Context, parentID, jobID uuid.UUID) error {
	query := `DELETE FROM job_leases WHERE parent_id = $1 AND job_id = $2`

	if _, err := r.db.Exec(ctx, query, parentID, jobID); err != nil {
		return fmt.Errorf("failed to release job lease: %w", err)
	}

	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.Kind, &job.SourceID, &job.DatasourceID, &job.Mode,
		&job.Status, &job.CurrentPage, &job.PagesVisited, &job.PagesFailed,
		&job.DocumentsFound, &job.DocumentsAdded, &job.DocumentsUpdated,
		&job.DocumentsDuplicate, &job.DocumentsFailed, &job.Error,
		&job.StartedAt, &job.FinishedAt, &job.DurationMs, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

var _ JobRepository = (*jobRepository)(nil)
