package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/database"
	"github.com/polidocs/ingest-engine/pkg/models"
)

// SourceRepository defines data access for crawl sources.
type SourceRepository interface {
	// Create inserts a new source. Returns ErrConflict if the name is taken.
	Create(ctx context.Context, src *models.Source) error

	// GetByID retrieves a source by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Source, error)

	// List retrieves all sources, newest first.
	List(ctx context.Context) ([]*models.Source, error)

	// Update modifies a source's configuration.
	Update(ctx context.Context, src *models.Source) error

	// UpdateLastRun records the outcome of the most recent crawl run.
	UpdateLastRun(ctx context.Context, id uuid.UUID, at time.Time, status string) error
}

type sourceRepository struct {
	db *database.DB
}

// NewSourceRepository creates a new source repository.
func NewSourceRepository(db *database.DB) SourceRepository {
	return &sourceRepository{db: db}
}

const sourceColumns = `id, name, url, fallback_urls, keywords, max_documents,
	pagination_enabled, max_pages, scraper_type, item_selector, title_selector,
	link_selector, window_size, force_full_scan, enabled, last_run_at,
	last_run_status, created_at, updated_at`

func (r *sourceRepository) Create(ctx context.Context, src *models.Source) error {
	now := time.Now()
	src.CreatedAt = now
	src.UpdatedAt = now

	query := `
		INSERT INTO sources (name, url, fallback_urls, keywords, max_documents,
			pagination_enabled, max_pages, scraper_type, item_selector,
			title_selector, link_selector, window_size, force_full_scan,
			enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		src.Name, src.URL, src.FallbackURLs, src.Keywords, src.MaxDocuments,
		src.PaginationEnabled, src.MaxPages, src.ScraperType, src.ItemSelector,
		src.TitleSelector, src.LinkSelector, src.WindowSize, src.ForceFullScan,
		src.Enabled, src.CreatedAt, src.UpdatedAt,
	).Scan(&src.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create source: %w", err)
	}

	return nil
}

func (r *sourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`

	src, err := scanSource(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

func (r *sourceRepository) List(ctx context.Context) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}

	return sources, nil
}

func (r *sourceRepository) Update(ctx context.Context, src *models.Source) error {
	query := `
		UPDATE sources
		SET name = $2, url = $3, fallback_urls = $4, keywords = $5,
			max_documents = $6, pagination_enabled = $7, max_pages = $8,
			scraper_type = $9, item_selector = $10, title_selector = $11,
			link_selector = $12, window_size = $13, force_full_scan = $14,
			enabled = $15, updated_at = $16
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		src.ID, src.Name, src.URL, src.FallbackURLs, src.Keywords,
		src.MaxDocuments, src.PaginationEnabled, src.MaxPages,
		src.ScraperType, src.ItemSelector, src.TitleSelector,
		src.LinkSelector, src.WindowSize, src.ForceFullScan,
		src.Enabled, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *sourceRepository) UpdateLastRun(ctx context.Context, id uuid.UUID, at time.Time, status string) error {
	query := `UPDATE sources SET last_run_at = $2, last_run_status = $3, updated_at = $4 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, at, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update source last run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func scanSource(row pgx.Row) (*models.Source, error) {
	var src models.Source
	var lastRunStatus *string
	err := row.Scan(
		&src.ID, &src.Name, &src.URL, &src.FallbackURLs, &src.Keywords,
		&src.MaxDocuments, &src.PaginationEnabled, &src.MaxPages,
		&src.ScraperType, &src.ItemSelector, &src.TitleSelector,
		&src.LinkSelector, &src.WindowSize, &src.ForceFullScan,
		&src.Enabled, &src.LastRunAt, &lastRunStatus,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastRunStatus != nil {
		src.LastRunStatus = *lastRunStatus
	}
	return &src, nil
}

// Ensure sourceRepository implements SourceRepository at compile time.
var _ SourceRepository = (*sourceRepository)(nil)
