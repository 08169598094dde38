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

// FamilySignature pairs a family id with its title signature, loaded in bulk
// for fuzzy matching.
type FamilySignature struct {
	ID        uuid.UUID
	Signature string
}

// FamilyRepository defines data access for document families and their
// versions. All multi-row mutations run in a single transaction so a family
// is never observable in a half-updated state.
type FamilyRepository interface {
	// FindVersionByHash looks up a version by content hash.
	// Returns ErrNotFound when no version carries the hash.
	FindVersionByHash(ctx context.Context, contentHash string) (*models.DocumentVersion, error)

	// FindFamilyBySignature looks up a family by exact title signature.
	FindFamilyBySignature(ctx context.Context, signature string) (*models.DocumentFamily, error)

	// FindFamilyByOriginURL returns the family whose latest version was
	// fetched from the given URL, if any.
	FindFamilyByOriginURL(ctx context.Context, originURL string) (*models.DocumentFamily, error)

	// ListSignatures returns every non-archived family's title signature.
	ListSignatures(ctx context.Context) ([]FamilySignature, error)

	// GetFamily retrieves a family by ID.
	GetFamily(ctx context.Context, id uuid.UUID) (*models.DocumentFamily, error)

	// ListFamilies retrieves families, newest first.
	ListFamilies(ctx context.Context, includeArchived bool) ([]*models.DocumentFamily, error)

	// ListVersions returns a family's versions ordered by version number.
	ListVersions(ctx context.Context, familyID uuid.UUID) ([]*models.DocumentVersion, error)

	// GetVersion retrieves a single version by ID.
	GetVersion(ctx context.Context, id uuid.UUID) (*models.DocumentVersion, error)

	// CreateFamilyWithVersion inserts a new family and its first version
	// atomically. Returns ErrConflict if another family already holds the
	// title signature or another version already holds the content hash.
	CreateFamilyWithVersion(ctx context.Context, family *models.DocumentFamily, version *models.DocumentVersion) error

	// AppendVersion adds a new latest version to an existing family: the
	// previous latest is demoted, the new version gets max+1, and the
	// family's document count is bumped, all in one transaction.
	AppendVersion(ctx context.Context, familyID uuid.UUID, version *models.DocumentVersion) error

	// ListUngroupedVersions returns versions that predate family grouping.
	ListUngroupedVersions(ctx context.Context) ([]*models.DocumentVersion, error)

	// AdoptVersion attaches an ungrouped version to an existing family as
	// its new latest version.
	AdoptVersion(ctx context.Context, familyID, versionID uuid.UUID) error

	// CreateFamilyForVersion inserts a new family and attaches an existing
	// ungrouped version as its first version.
	CreateFamilyForVersion(ctx context.Context, family *models.DocumentFamily, versionID uuid.UUID) error

	// SetApproval updates a version's approval fields.
	SetApproval(ctx context.Context, versionID uuid.UUID, status, approver, reason string) error

	// SetArchived flags or unflags a family as archived.
	SetArchived(ctx context.Context, familyID uuid.UUID, archived bool) error
}

type familyRepository struct {
	db *database.DB
}

// NewFamilyRepository creates a new family repository.
func NewFamilyRepository(db *database.DB) FamilyRepository {
	return &familyRepository{db: db}
}

const familyColumns = `id, canonical_title, title_signature, category, institution,
	document_count, archived, created_at, updated_at`

const versionColumns = `id, family_id, version_number, content_hash, title,
	origin_url, source_id, datasource_id, provenance, file_type, matched_keywords,
	approval_status, approver, rejection_reason, is_latest, uploaded_at`

func (r *familyRepository) FindVersionByHash(ctx context.Context, contentHash string) (*models.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE content_hash = $1`

	v, err := scanVersion(r.db.QueryRow(ctx, query, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find version by hash: %w", err)
	}
	return v, nil
}

func (r *familyRepository) FindFamilyBySignature(ctx context.Context, signature string) (*models.DocumentFamily, error) {
	query := `SELECT ` + familyColumns + ` FROM document_families WHERE title_signature = $1`

	f, err := scanFamily(r.db.QueryRow(ctx, query, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find family by signature: %w", err)
	}
	return f, nil
}

func (r *familyRepository) FindFamilyByOriginURL(ctx context.Context, originURL string) (*models.DocumentFamily, error) {
	query := `
		SELECT f.id, f.canonical_title, f.title_signature, f.category,
			f.institution, f.document_count, f.archived, f.created_at, f.updated_at
		FROM document_families f
		JOIN document_versions v ON v.family_id = f.id AND v.is_latest
		WHERE v.origin_url = $1`

	f, err := scanFamily(r.db.QueryRow(ctx, query, originURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find family by origin url: %w", err)
	}
	return f, nil
}

func (r *familyRepository) ListSignatures(ctx context.Context) ([]FamilySignature, error) {
	query := `SELECT id, title_signature FROM document_families WHERE NOT archived`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list family signatures: %w", err)
	}
	defer rows.Close()

	var sigs []FamilySignature
	for rows.Next() {
		var s FamilySignature
		if err := rows.Scan(&s.ID, &s.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan family signature: %w", err)
		}
		sigs = append(sigs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating family signatures: %w", err)
	}

	return sigs, nil
}

func (r *familyRepository) GetFamily(ctx context.Context, id uuid.UUID) (*models.DocumentFamily, error) {
	query := `SELECT ` + familyColumns + ` FROM document_families WHERE id = $1`

	f, err := scanFamily(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get family: %w", err)
	}
	return f, nil
}

func (r *familyRepository) ListFamilies(ctx context.Context, includeArchived bool) ([]*models.DocumentFamily, error) {
	query := `SELECT ` + familyColumns + ` FROM document_families`
	if !includeArchived {
		query += ` WHERE NOT archived`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	var families []*models.DocumentFamily
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan family: %w", err)
		}
		families = append(families, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating families: %w", err)
	}

	return families, nil
}

func (r *familyRepository) ListVersions(ctx context.Context, familyID uuid.UUID) ([]*models.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions
		WHERE family_id = $1 ORDER BY version_number ASC`

	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

func (r *familyRepository) GetVersion(ctx context.Context, id uuid.UUID) (*models.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE id = $1`

	v, err := scanVersion(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

func (r *familyRepository) CreateFamilyWithVersion(ctx context.Context, family *models.DocumentFamily, version *models.DocumentVersion) error {
	now := time.Now()
	family.CreatedAt = now
	family.UpdatedAt = now
	family.DocumentCount = 1

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	familyQuery := `
		INSERT INTO document_families (canonical_title, title_signature, category,
			institution, document_count, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, false, $5, $6)
		RETURNING id`

	err = tx.QueryRow(ctx, familyQuery,
		family.CanonicalTitle, family.TitleSignature, family.Category,
		family.Institution, family.CreatedAt, family.UpdatedAt,
	).Scan(&family.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create family: %w", err)
	}

	version.FamilyID = &family.ID
	version.VersionNumber = 1
	version.IsLatest = true
	if err := insertVersion(ctx, tx, version); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *familyRepository) AppendVersion(ctx context.Context, familyID uuid.UUID, version *models.DocumentVersion) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	next, err := lockFamilyNextVersion(ctx, tx, familyID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE document_versions SET is_latest = false WHERE family_id = $1 AND is_latest`,
		familyID,
	); err != nil {
		return fmt.Errorf("failed to demote latest version: %w", err)
	}

	version.FamilyID = &familyID
	version.VersionNumber = next
	version.IsLatest = true
	if err := insertVersion(ctx, tx, version); err != nil {
		return err
	}

	if err := bumpFamily(ctx, tx, familyID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *familyRepository) ListUngroupedVersions(ctx context.Context) ([]*models.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions
		WHERE family_id IS NULL ORDER BY uploaded_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ungrouped versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ungrouped versions: %w", err)
	}

	return versions, nil
}

func (r *familyRepository) AdoptVersion(ctx context.Context, familyID, versionID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	next, err := lockFamilyNextVersion(ctx, tx, familyID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE document_versions SET is_latest = false WHERE family_id = $1 AND is_latest`,
		familyID,
	); err != nil {
		return fmt.Errorf("failed to demote latest version: %w", err)
	}

	result, err := tx.Exec(ctx,
		`UPDATE document_versions SET family_id = $1, version_number = $2, is_latest = true
		 WHERE id = $3 AND family_id IS NULL`,
		familyID, next, versionID,
	)
	if err != nil {
		return fmt.Errorf("failed to adopt version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	if err := bumpFamily(ctx, tx, familyID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *familyRepository) CreateFamilyForVersion(ctx context.Context, family *models.DocumentFamily, versionID uuid.UUID) error {
	now := time.Now()
	family.CreatedAt = now
	family.UpdatedAt = now
	family.DocumentCount = 1

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	familyQuery := `
		INSERT INTO document_families (canonical_title, title_signature, category,
			institution, document_count, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, false, $5, $6)
		RETURNING id`

	err = tx.QueryRow(ctx, familyQuery,
		family.CanonicalTitle, family.TitleSignature, family.Category,
		family.Institution, family.CreatedAt, family.UpdatedAt,
	).Scan(&family.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create family: %w", err)
	}

	result, err := tx.Exec(ctx,
		`UPDATE document_versions SET family_id = $1, version_number = 1, is_latest = true
		 WHERE id = $2 AND family_id IS NULL`,
		family.ID, versionID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *familyRepository) SetApproval(ctx context.Context, versionID uuid.UUID, status, approver, reason string) error {
	query := `UPDATE document_versions
		SET approval_status = $2, approver = $3, rejection_reason = $4
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, versionID, status, approver, reason)
	if err != nil {
		return fmt.Errorf("failed to set approval: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *familyRepository) SetArchived(ctx context.Context, familyID uuid.UUID, archived bool) error {
	query := `UPDATE document_families SET archived = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.Exec(ctx, query, familyID, archived, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set archived: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// lockFamilyNextVersion takes a row lock on the family and returns the next
// version number. The lock serializes concurrent appends to the same family.
func lockFamilyNextVersion(ctx context.Context, tx pgx.Tx, familyID uuid.UUID) (int, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM document_families WHERE id = $1 FOR UPDATE`, familyID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to lock family: %w", err)
	}

	var maxVersion int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM document_versions WHERE family_id = $1`,
		familyID,
	).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to read max version: %w", err)
	}

	return maxVersion + 1, nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *models.DocumentVersion) error {
	if v.UploadedAt.IsZero() {
		v.UploadedAt = time.Now()
	}

	query := `
		INSERT INTO document_versions (family_id, version_number, content_hash,
			title, origin_url, source_id, datasource_id, provenance, file_type,
			matched_keywords, approval_status, approver, rejection_reason,
			is_latest, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	err := tx.QueryRow(ctx, query,
		v.FamilyID, v.VersionNumber, v.ContentHash, v.Title, v.OriginURL,
		v.SourceID, v.DatasourceID, v.Provenance, v.FileType, v.MatchedKeywords,
		v.ApprovalStatus, v.Approver, v.RejectionReason, v.IsLatest, v.UploadedAt,
	).Scan(&v.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}

	return nil
}

func bumpFamily(ctx context.Context, tx pgx.Tx, familyID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE document_families SET document_count = document_count + 1, updated_at = $2 WHERE id = $1`,
		familyID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to bump family: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanFamily(row pgx.Row) (*models.DocumentFamily, error) {
	var f models.DocumentFamily
	err := row.Scan(
		&f.ID, &f.CanonicalTitle, &f.TitleSignature, &f.Category, &f.Institution,
		&f.DocumentCount, &f.Archived, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanVersion(row pgx.Row) (*models.DocumentVersion, error) {
	var v models.DocumentVersion
	err := row.Scan(
		&v.ID, &v.FamilyID, &v.VersionNumber, &v.ContentHash, &v.Title,
		&v.OriginURL, &v.SourceID, &v.DatasourceID, &v.Provenance, &v.FileType,
		&v.MatchedKeywords, &v.ApprovalStatus, &v.Approver, &v.RejectionReason,
		&v.IsLatest, &v.UploadedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

var _ FamilyRepository = (*familyRepository)(nil)
