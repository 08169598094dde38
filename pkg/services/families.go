package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/audit"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/repositories"
)

// FamilyEvolution is a family together with its full version history.
type FamilyEvolution struct {
	Family   *models.DocumentFamily   `json:"family"`
	Versions []*models.DocumentVersion `json:"versions"`
}

// FamilyService exposes the document family graph and version approval.
type FamilyService interface {
	// List retrieves families.
	List(ctx context.Context, includeArchived bool) ([]*models.DocumentFamily, error)

	// Evolution returns a family and its versions in version order.
	Evolution(ctx context.Context, id uuid.UUID) (*FamilyEvolution, error)

	// ApproveVersion marks a version approved.
	ApproveVersion(ctx context.Context, versionID uuid.UUID, approver string) error

	// RejectVersion marks a version rejected. The version stays in its
	// family's history but is excluded from the latest visible set.
	RejectVersion(ctx context.Context, versionID uuid.UUID, approver, reason string) error

	// Archive soft-hides a family from default listings.
	Archive(ctx context.Context, id uuid.UUID, archived bool) error

	// MigrateExisting adopts pre-grouping versions into families.
	MigrateExisting(ctx context.Context) (int, error)
}

type familyService struct {
	families repositories.FamilyRepository
	ingest   IngestService
	auditor  *audit.ApprovalAuditor
	logger   *zap.Logger
}

// NewFamilyService creates the family service.
func NewFamilyService(
	families repositories.FamilyRepository,
	ingest IngestService,
	auditor *audit.ApprovalAuditor,
	logger *zap.Logger,
) FamilyService {
	return &familyService{
		families: families,
		ingest:   ingest,
		auditor:  auditor,
		logger:   logger,
	}
}

func (s *familyService) List(ctx context.Context, includeArchived bool) ([]*models.DocumentFamily, error) {
	return s.families.ListFamilies(ctx, includeArchived)
}

func (s *familyService) Evolution(ctx context.Context, id uuid.UUID) (*FamilyEvolution, error) {
	family, err := s.families.GetFamily(ctx, id)
	if err != nil {
		return nil, err
	}
	versions, err := s.families.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &FamilyEvolution{Family: family, Versions: versions}, nil
}

func (s *familyService) ApproveVersion(ctx context.Context, versionID uuid.UUID, approver string) error {
	if approver == "" {
		return fmt.Errorf("approver identity is required: %w", apperrors.ErrValidation)
	}

	version, err := s.families.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if version.ApprovalStatus != models.ApprovalPending {
		return fmt.Errorf("version is already %s: %w", version.ApprovalStatus, apperrors.ErrInvalidTransition)
	}

	if err := s.families.SetApproval(ctx, versionID, models.ApprovalApproved, approver, ""); err != nil {
		return err
	}
	s.auditor.LogApproval(audit.TargetDocument, versionID.String(), approver)
	return nil
}

func (s *familyService) RejectVersion(ctx context.Context, versionID uuid.UUID, approver, reason string) error {
	if approver == "" {
		return fmt.Errorf("approver identity is required: %w", apperrors.ErrValidation)
	}
	if len(strings.TrimSpace(reason)) < models.MinRejectionReasonLen {
		return fmt.Errorf("rejection reason must be at least %d characters: %w",
			models.MinRejectionReasonLen, apperrors.ErrValidation)
	}

	version, err := s.families.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if version.ApprovalStatus != models.ApprovalPending {
		return fmt.Errorf("version is already %s: %w", version.ApprovalStatus, apperrors.ErrInvalidTransition)
	}

	if err := s.families.SetApproval(ctx, versionID, models.ApprovalRejected, approver, reason); err != nil {
		return err
	}
	s.auditor.LogRejection(audit.TargetDocument, versionID.String(), approver, reason)
	return nil
}

func (s *familyService) Archive(ctx context.Context, id uuid.UUID, archived bool) error {
	return s.families.SetArchived(ctx, id, archived)
}

func (s *familyService) MigrateExisting(ctx context.Context) (int, error) {
	return s.ingest.MigrateExisting(ctx)
}

var _ FamilyService = (*familyService)(nil)
