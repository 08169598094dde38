package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/audit"
	"github.com/polidocs/ingest-engine/pkg/models"
)

func newFamilyFixture(t *testing.T) (FamilyService, *memFamilyRepo, IngestService) {
	t.Helper()
	repo := newMemFamilyRepo()
	logger := zap.NewNop()
	ingest := NewIngestService(repo, 0, logger)
	svc := NewFamilyService(repo, ingest, audit.NewApprovalAuditor(logger), logger)
	return svc, repo, ingest
}

func TestEvolutionOrdersVersions(t *testing.T) {
	svc, _, ingest := newFamilyFixture(t)
	ctx := context.Background()

	first, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "v1", "https://x.test/a"))
	require.NoError(t, err)
	_, err = ingest.Ingest(ctx, fetchedDoc("Circular 2024", "v2", "https://x.test/a"))
	require.NoError(t, err)

	evo, err := svc.Evolution(ctx, first.FamilyID)
	require.NoError(t, err)

	require.Len(t, evo.Versions, 2)
	assert.Equal(t, 1, evo.Versions[0].VersionNumber)
	assert.Equal(t, 2, evo.Versions[1].VersionNumber)
	assert.True(t, evo.Versions[1].IsLatest)
	assert.Equal(t, 2, evo.Family.DocumentCount)
}

func TestApproveVersion(t *testing.T) {
	svc, repo, ingest := newFamilyFixture(t)
	ctx := context.Background()

	result, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "body", "https://x.test/a"))
	require.NoError(t, err)

	require.NoError(t, svc.ApproveVersion(ctx, result.VersionID, "approver@example.gov"))

	v := repo.versions[result.VersionID]
	assert.Equal(t, models.ApprovalApproved, v.ApprovalStatus)
	assert.Equal(t, "approver@example.gov", v.Approver)

	// Approved is terminal.
	err = svc.RejectVersion(ctx, result.VersionID, "approver@example.gov", "should not be possible now")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestApproveVersionRequiresIdentity(t *testing.T) {
	svc, _, ingest := newFamilyFixture(t)
	ctx := context.Background()

	result, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "body", "https://x.test/a"))
	require.NoError(t, err)

	err = svc.ApproveVersion(ctx, result.VersionID, "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRejectVersionKeepsHistory(t *testing.T) {
	svc, repo, ingest := newFamilyFixture(t)
	ctx := context.Background()

	first, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "v1", "https://x.test/a"))
	require.NoError(t, err)
	second, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "v2", "https://x.test/a"))
	require.NoError(t, err)

	err = svc.RejectVersion(ctx, second.VersionID, "approver@example.gov", "wrong attachment uploaded by source")
	require.NoError(t, err)

	// The rejected version stays in the family history for audit.
	evo, err := svc.Evolution(ctx, first.FamilyID)
	require.NoError(t, err)
	require.Len(t, evo.Versions, 2)
	assert.Equal(t, models.ApprovalRejected, repo.versions[second.VersionID].ApprovalStatus)
	assert.Equal(t, "wrong attachment uploaded by source", repo.versions[second.VersionID].RejectionReason)
}

func TestRejectVersionShortReason(t *testing.T) {
	svc, _, ingest := newFamilyFixture(t)
	ctx := context.Background()

	result, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "body", "https://x.test/a"))
	require.NoError(t, err)

	err = svc.RejectVersion(ctx, result.VersionID, "approver@example.gov", "bad")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestArchiveHidesFamilyFromDefaultListing(t *testing.T) {
	svc, _, ingest := newFamilyFixture(t)
	ctx := context.Background()

	result, err := ingest.Ingest(ctx, fetchedDoc("Circular 2024", "body", "https://x.test/a"))
	require.NoError(t, err)

	require.NoError(t, svc.Archive(ctx, result.FamilyID, true))

	visible, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
