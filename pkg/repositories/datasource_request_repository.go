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

// DataSourceRequestRepository defines data access for external-database
// registration requests. The encrypted password never rides on the model;
// it is passed and returned as a separate value so it cannot leak through
// JSON serialization of the request.
type DataSourceRequestRepository interface {
	// Create inserts a new pending request with its encrypted password.
	Create(ctx context.Context, req *models.DataSourceRequest, encryptedPassword string) error

	// GetByID retrieves a request by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error)

	// GetEncryptedPassword returns the stored ciphertext for a request.
	GetEncryptedPassword(ctx context.Context, id uuid.UUID) (string, error)

	// List retrieves requests, optionally filtered by status. An empty
	// status returns all requests.
	List(ctx context.Context, status string) ([]*models.DataSourceRequest, error)

	// TransitionStatus moves a request from one status to another with a
	// compare-and-set guard. Returns ErrConflict if the request is no
	// longer in the expected status.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to, approver, reason string) error

	// SetLastError records the most recent sync failure message.
	SetLastError(ctx context.Context, id uuid.UUID, message string) error
}

type dataSourceRequestRepository struct {
	db *database.DB
}

// NewDataSourceRequestRepository creates a new request repository.
func NewDataSourceRequestRepository(db *database.DB) DataSourceRequestRepository {
	return &dataSourceRequestRepository{db: db}
}

const requestColumns = `id, requester, classification, name, db_type, host, port,
	database_name, username, table_name, content_column, filename_column, status,
	rejection_reason, approver, last_error, created_at, updated_at`

func (r *dataSourceRequestRepository) Create(ctx context.Context, req *models.DataSourceRequest, encryptedPassword string) error {
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Status = models.RequestPending

	query := `
		INSERT INTO datasource_requests (requester, classification, name, db_type,
			host, port, database_name, username, encrypted_password, table_name,
			content_column, filename_column, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		req.Requester, req.Classification, req.Name, req.DBType,
		req.Host, req.Port, req.DatabaseName, req.Username, encryptedPassword,
		req.TableName, req.ContentColumn, req.FilenameColumn, req.Status,
		req.CreatedAt, req.UpdatedAt,
	).Scan(&req.ID)
	if err != nil {
		return fmt.Errorf("failed to create datasource request: %w", err)
	}

	return nil
}

func (r *dataSourceRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM datasource_requests WHERE id = $1`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get datasource request: %w", err)
	}
	return req, nil
}

func (r *dataSourceRequestRepository) GetEncryptedPassword(ctx context.Context, id uuid.UUID) (string, error) {
	var encrypted string
	err := r.db.QueryRow(ctx,
		`SELECT encrypted_password FROM datasource_requests WHERE id = $1`, id,
	).Scan(&encrypted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get encrypted password: %w", err)
	}
	return encrypted, nil
}

func (r *dataSourceRequestRepository) List(ctx context.Context, status string) ([]*models.DataSourceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM datasource_requests`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasource requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.DataSourceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan datasource request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating datasource requests: %w", err)
	}

	return requests, nil
}

func (r *dataSourceRequestRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to, approver, reason string) error {
	query := `
		UPDATE datasource_requests
		SET status = $3, approver = $4, rejection_reason = $5, updated_at = $6
		WHERE id = $1 AND status = $2`

	result, err := r.db.Exec(ctx, query, id, from, to, approver, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to transition datasource request: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either the row is gone or someone else moved it first.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return apperrors.ErrConflict
	}

	return nil
}

func (r *dataSourceRequestRepository) SetLastError(ctx context.Context, id uuid.UUID, message string) error {
	query := `UPDATE datasource_requests SET last_error = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, message, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set last error: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func scanRequest(row pgx.Row) (*models.DataSourceRequest, error) {
	var req models.DataSourceRequest
	err := row.Scan(
		&req.ID, &req.Requester, &req.Classification, &req.Name, &req.DBType,
		&req.Host, &req.Port, &req.DatabaseName, &req.Username, &req.TableName,
		&req.ContentColumn, &req.FilenameColumn, &req.Status,
		&req.RejectionReason, &req.Approver, &req.LastError,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

var _ DataSourceRequestRepository = (*dataSourceRequestRepository)(nil)
