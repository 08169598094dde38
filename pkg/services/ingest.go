package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/fingerprint"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/repositories"
)

// Classification of one fetched document against the existing corpus.
type Classification int

const (
	// ClassNew creates a fresh family with version 1.
	ClassNew Classification = iota
	// ClassExactDuplicate discards the document; a version with the same
	// content hash already exists somewhere.
	ClassExactDuplicate
	// ClassUpdateOf appends a new latest version to an existing family.
	ClassUpdateOf
)

// IngestResult reports how one document was handled.
type IngestResult struct {
	Classification Classification
	FamilyID       uuid.UUID
	VersionID      uuid.UUID
}

// IngestService is the single consumer shared by the crawler and the sync
// engine: it classifies each fetched document and mutates the family graph
// transactionally.
type IngestService interface {
	// Ingest classifies and applies one document.
	Ingest(ctx context.Context, doc models.FetchedDocument) (*IngestResult, error)

	// MigrateExisting adopts versions that predate family grouping into
	// families. Idempotent: a second run finds nothing to adopt.
	MigrateExisting(ctx context.Context) (int, error)
}

type ingestService struct {
	families  repositories.FamilyRepository
	threshold float64
	logger    *zap.Logger
}

// NewIngestService creates the ingest service. threshold is the minimum
// title-signature similarity for fuzzy family matching; pass 0 to use the
// default.
func NewIngestService(families repositories.FamilyRepository, threshold float64, logger *zap.Logger) IngestService {
	if threshold <= 0 {
		threshold = fingerprint.DefaultSimilarityThreshold
	}
	return &ingestService{
		families:  families,
		threshold: threshold,
		logger:    logger,
	}
}

func (s *ingestService) Ingest(ctx context.Context, doc models.FetchedDocument) (*IngestResult, error) {
	fp := fingerprint.Compute(doc.Content, doc.Title)

	// Exact duplicate by content hash, anywhere in the system.
	existing, err := s.families.FindVersionByHash(ctx, fp.ContentHash)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("hash lookup failed: %w", err)
	}
	if existing != nil {
		result := &IngestResult{Classification: ClassExactDuplicate, VersionID: existing.ID}
		if existing.FamilyID != nil {
			result.FamilyID = *existing.FamilyID
		}
		return result, nil
	}

	family, err := s.matchFamily(ctx, fp, doc)
	if err != nil {
		return nil, err
	}
	if family != nil {
		return s.applyUpdate(ctx, family.ID, doc, fp)
	}
	return s.applyNew(ctx, doc, fp)
}

// matchFamily finds an existing family for a document whose content is new.
// Exact signature match wins; then fuzzy signature similarity; then origin
// URL continuity for documents whose titles changed outright.
func (s *ingestService) matchFamily(ctx context.Context, fp fingerprint.Fingerprint, doc models.FetchedDocument) (*models.DocumentFamily, error) {
	if fp.TitleSignature != "" {
		family, err := s.families.FindFamilyBySignature(ctx, fp.TitleSignature)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("signature lookup failed: %w", err)
		}
		if family != nil {
			return family, nil
		}

		sigs, err := s.families.ListSignatures(ctx)
		if err != nil {
			return nil, fmt.Errorf("signature scan failed: %w", err)
		}
		var best *repositories.FamilySignature
		bestScore := 0.0
		for i := range sigs {
			score := fingerprint.Similarity(fp.TitleSignature, sigs[i].Signature)
			if score >= s.threshold && score > bestScore {
				best = &sigs[i]
				bestScore = score
			}
		}
		if best != nil {
			return s.families.GetFamily(ctx, best.ID)
		}
	}

	if doc.OriginURL != "" {
		family, err := s.families.FindFamilyByOriginURL(ctx, doc.OriginURL)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("origin url lookup failed: %w", err)
		}
		if family != nil {
			return family, nil
		}
	}

	return nil, nil
}

func (s *ingestService) applyUpdate(ctx context.Context, familyID uuid.UUID, doc models.FetchedDocument, fp fingerprint.Fingerprint) (*IngestResult, error) {
	version := newVersion(doc, fp)
	if err := s.families.AppendVersion(ctx, familyID, version); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// A concurrent run inserted the same content hash first.
			return s.asDuplicate(ctx, fp)
		}
		return nil, fmt.Errorf("failed to append version: %w", err)
	}

	s.logger.Info("Document classified as update",
		zap.String("family_id", familyID.String()),
		zap.Int("version", version.VersionNumber),
		zap.String("title", doc.Title))

	return &IngestResult{Classification: ClassUpdateOf, FamilyID: familyID, VersionID: version.ID}, nil
}

func (s *ingestService) applyNew(ctx context.Context, doc models.FetchedDocument, fp fingerprint.Fingerprint) (*IngestResult, error) {
	family := &models.DocumentFamily{
		CanonicalTitle: doc.Title,
		TitleSignature: fp.TitleSignature,
	}
	version := newVersion(doc, fp)

	err := s.families.CreateFamilyWithVersion(ctx, family, version)
	if err == nil {
		s.logger.Info("Document classified as new family",
			zap.String("family_id", family.ID.String()),
			zap.String("title", doc.Title))
		return &IngestResult{Classification: ClassNew, FamilyID: family.ID, VersionID: version.ID}, nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return nil, fmt.Errorf("failed to create family: %w", err)
	}

	// Unique-constraint race: another classification created the family (or
	// the same content) between our lookup and the insert. Re-read and retry
	// as an update; if the content hash itself collided, it is a duplicate.
	if existing, dupErr := s.families.FindVersionByHash(ctx, fp.ContentHash); dupErr == nil {
		result := &IngestResult{Classification: ClassExactDuplicate, VersionID: existing.ID}
		if existing.FamilyID != nil {
			result.FamilyID = *existing.FamilyID
		}
		return result, nil
	}

	// An empty signature is exempt from the uniqueness rule, so there is no
	// winning family to append to; surface the conflict instead of merging
	// unrelated untitled documents.
	if fp.TitleSignature == "" {
		return nil, fmt.Errorf("failed to create family: %w", err)
	}

	family, err = s.families.FindFamilyBySignature(ctx, fp.TitleSignature)
	if err != nil {
		return nil, fmt.Errorf("conflict retry lookup failed: %w", err)
	}
	return s.applyUpdate(ctx, family.ID, doc, fp)
}

func (s *ingestService) asDuplicate(ctx context.Context, fp fingerprint.Fingerprint) (*IngestResult, error) {
	existing, err := s.families.FindVersionByHash(ctx, fp.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("duplicate re-read failed: %w", err)
	}
	result := &IngestResult{Classification: ClassExactDuplicate, VersionID: existing.ID}
	if existing.FamilyID != nil {
		result.FamilyID = *existing.FamilyID
	}
	return result, nil
}

func (s *ingestService) MigrateExisting(ctx context.Context) (int, error) {
	ungrouped, err := s.families.ListUngroupedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list ungrouped versions: %w", err)
	}

	migrated := 0
	for _, v := range ungrouped {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}

		sig := fingerprint.TitleSignature(v.Title)

		// Untitled versions never share a family; skip the signature lookup
		// or every one of them would adopt into the first.
		var family *models.DocumentFamily
		var err error
		if sig != "" {
			family, err = s.families.FindFamilyBySignature(ctx, sig)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return migrated, fmt.Errorf("signature lookup failed: %w", err)
			}
		}

		if family != nil {
			err = s.families.AdoptVersion(ctx, family.ID, v.ID)
		} else {
			family = &models.DocumentFamily{CanonicalTitle: v.Title, TitleSignature: sig}
			err = s.families.CreateFamilyForVersion(ctx, family, v.ID)
			if errors.Is(err, apperrors.ErrConflict) && sig != "" {
				// Raced with an adoption in this same pass; re-read and adopt.
				if family, err = s.families.FindFamilyBySignature(ctx, sig); err == nil {
					err = s.families.AdoptVersion(ctx, family.ID, v.ID)
				}
			}
		}
		if err != nil {
			return migrated, fmt.Errorf("failed to migrate version %s: %w", v.ID, err)
		}
		migrated++
	}

	if migrated > 0 {
		s.logger.Info("Migrated ungrouped documents into families", zap.Int("count", migrated))
	}
	return migrated, nil
}

func newVersion(doc models.FetchedDocument, fp fingerprint.Fingerprint) *models.DocumentVersion {
	v := &models.DocumentVersion{
		ContentHash:     fp.ContentHash,
		Title:           doc.Title,
		OriginURL:       doc.OriginURL,
		Provenance:      doc.Provenance,
		FileType:        doc.FileType,
		MatchedKeywords: doc.MatchedKeywords,
		ApprovalStatus:  models.ApprovalPending,
		UploadedAt:      doc.RetrievedAt,
	}
	if doc.SourceID != uuid.Nil {
		id := doc.SourceID
		v.SourceID = &id
	}
	if doc.DatasourceID != uuid.Nil {
		id := doc.DatasourceID
		v.DatasourceID = &id
	}
	return v
}

var _ IngestService = (*ingestService)(nil)
