package services

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/repositories"
)

// memFamilyRepo is an in-memory FamilyRepository that enforces the same
// uniqueness rules as the schema: one family per non-empty title signature,
// one version per content hash.
type memFamilyRepo struct {
	families map[uuid.UUID]*models.DocumentFamily
	versions map[uuid.UUID]*models.DocumentVersion

	// When set, the next CreateFamilyWithVersion fails with ErrConflict
	// after seeding the family, simulating a lost race with a concurrent
	// classification.
	conflictOnCreate bool
}

func newMemFamilyRepo() *memFamilyRepo {
	return &memFamilyRepo{
		families: make(map[uuid.UUID]*models.DocumentFamily),
		versions: make(map[uuid.UUID]*models.DocumentVersion),
	}
}

func (m *memFamilyRepo) FindVersionByHash(ctx context.Context, hash string) (*models.DocumentVersion, error) {
	for _, v := range m.versions {
		if v.ContentHash == hash {
			return v, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *memFamilyRepo) FindFamilyBySignature(ctx context.Context, sig string) (*models.DocumentFamily, error) {
	for _, f := range m.families {
		if f.TitleSignature == sig {
			return f, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *memFamilyRepo) FindFamilyByOriginURL(ctx context.Context, originURL string) (*models.DocumentFamily, error) {
	for _, v := range m.versions {
		if v.IsLatest && v.OriginURL == originURL && v.FamilyID != nil {
			return m.families[*v.FamilyID], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *memFamilyRepo) ListSignatures(ctx context.Context) ([]repositories.FamilySignature, error) {
	var sigs []repositories.FamilySignature
	for _, f := range m.families {
		if !f.Archived {
			sigs = append(sigs, repositories.FamilySignature{ID: f.ID, Signature: f.TitleSignature})
		}
	}
	return sigs, nil
}

func (m *memFamilyRepo) GetFamily(ctx context.Context, id uuid.UUID) (*models.DocumentFamily, error) {
	f, ok := m.families[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return f, nil
}

func (m *memFamilyRepo) ListFamilies(ctx context.Context, includeArchived bool) ([]*models.DocumentFamily, error) {
	var out []*models.DocumentFamily
	for _, f := range m.families {
		if includeArchived || !f.Archived {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *memFamilyRepo) ListVersions(ctx context.Context, familyID uuid.UUID) ([]*models.DocumentVersion, error) {
	var out []*models.DocumentVersion
	for _, v := range m.versions {
		if v.FamilyID != nil && *v.FamilyID == familyID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (m *memFamilyRepo) GetVersion(ctx context.Context, id uuid.UUID) (*models.DocumentVersion, error) {
	v, ok := m.versions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return v, nil
}

func (m *memFamilyRepo) seedFamily(f *models.DocumentFamily) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	m.families[f.ID] = f
}

func (m *memFamilyRepo) CreateFamilyWithVersion(ctx context.Context, family *models.DocumentFamily, version *models.DocumentVersion) error {
	if m.conflictOnCreate {
		m.conflictOnCreate = false
		m.seedFamily(&models.DocumentFamily{CanonicalTitle: family.CanonicalTitle, TitleSignature: family.TitleSignature, DocumentCount: 0})
		return apperrors.ErrConflict
	}
	if family.TitleSignature != "" {
		if _, err := m.FindFamilyBySignature(ctx, family.TitleSignature); err == nil {
			return apperrors.ErrConflict
		}
	}
	if _, err := m.FindVersionByHash(ctx, version.ContentHash); err == nil {
		return apperrors.ErrConflict
	}

	family.ID = uuid.New()
	family.DocumentCount = 1
	m.families[family.ID] = family

	version.ID = uuid.New()
	version.FamilyID = &family.ID
	version.VersionNumber = 1
	version.IsLatest = true
	m.versions[version.ID] = version
	return nil
}

func (m *memFamilyRepo) AppendVersion(ctx context.Context, familyID uuid.UUID, version *models.DocumentVersion) error {
	family, ok := m.families[familyID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if _, err := m.FindVersionByHash(ctx, version.ContentHash); err == nil {
		return apperrors.ErrConflict
	}

	maxVersion := 0
	for _, v := range m.versions {
		if v.FamilyID != nil && *v.FamilyID == familyID {
			if v.VersionNumber > maxVersion {
				maxVersion = v.VersionNumber
			}
			v.IsLatest = false
		}
	}

	version.ID = uuid.New()
	version.FamilyID = &familyID
	version.VersionNumber = maxVersion + 1
	version.IsLatest = true
	m.versions[version.ID] = version
	family.DocumentCount++
	return nil
}

func (m *memFamilyRepo) ListUngroupedVersions(ctx context.Context) ([]*models.DocumentVersion, error) {
	var out []*models.DocumentVersion
	for _, v := range m.versions {
		if v.FamilyID == nil {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (m *memFamilyRepo) AdoptVersion(ctx context.Context, familyID, versionID uuid.UUID) error {
	family, ok := m.families[familyID]
	if !ok {
		return apperrors.ErrNotFound
	}
	v, ok := m.versions[versionID]
	if !ok || v.FamilyID != nil {
		return apperrors.ErrNotFound
	}

	maxVersion := 0
	for _, existing := range m.versions {
		if existing.FamilyID != nil && *existing.FamilyID == familyID {
			if existing.VersionNumber > maxVersion {
				maxVersion = existing.VersionNumber
			}
			existing.IsLatest = false
		}
	}
	v.FamilyID = &familyID
	v.VersionNumber = maxVersion + 1
	v.IsLatest = true
	family.DocumentCount++
	return nil
}

func (m *memFamilyRepo) CreateFamilyForVersion(ctx context.Context, family *models.DocumentFamily, versionID uuid.UUID) error {
	if family.TitleSignature != "" {
		if _, err := m.FindFamilyBySignature(ctx, family.TitleSignature); err == nil {
			return apperrors.ErrConflict
		}
	}
	v, ok := m.versions[versionID]
	if !ok || v.FamilyID != nil {
		return apperrors.ErrNotFound
	}

	family.ID = uuid.New()
	family.DocumentCount = 1
	m.families[family.ID] = family

	v.FamilyID = &family.ID
	v.VersionNumber = 1
	v.IsLatest = true
	return nil
}

func (m *memFamilyRepo) SetApproval(ctx context.Context, versionID uuid.UUID, status, approver, reason string) error {
	v, ok := m.versions[versionID]
	if !ok {
		return apperrors.ErrNotFound
	}
	v.ApprovalStatus = status
	v.Approver = approver
	v.RejectionReason = reason
	return nil
}

func (m *memFamilyRepo) SetArchived(ctx context.Context, familyID uuid.UUID, archived bool) error {
	f, ok := m.families[familyID]
	if !ok {
		return apperrors.ErrNotFound
	}
	f.Archived = archived
	return nil
}

// latestOf returns the single version with is_latest for a family and
// asserts there is exactly one.
func (m *memFamilyRepo) latestOf(t *testing.T, familyID uuid.UUID) *models.DocumentVersion {
	t.Helper()
	var latest *models.DocumentVersion
	for _, v := range m.versions {
		if v.FamilyID != nil && *v.FamilyID == familyID && v.IsLatest {
			require.Nil(t, latest, "family has two latest versions")
			latest = v
		}
	}
	require.NotNil(t, latest, "family has no latest version")
	return latest
}

func fetchedDoc(title, content, originURL string) models.FetchedDocument {
	return models.FetchedDocument{
		SourceID:    uuid.New(),
		Provenance:  "crawl:test",
		OriginURL:   originURL,
		Title:       title,
		Content:     []byte(content),
		FileType:    "pdf",
		RetrievedAt: time.Now(),
	}
}

func TestIngestNewDocument(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	result, err := svc.Ingest(context.Background(), fetchedDoc("Circular 2024", "body one", "https://x.test/a.pdf"))
	require.NoError(t, err)

	assert.Equal(t, ClassNew, result.Classification)
	assert.Len(t, repo.families, 1)
	latest := repo.latestOf(t, result.FamilyID)
	assert.Equal(t, 1, latest.VersionNumber)
	assert.Equal(t, models.ApprovalPending, latest.ApprovalStatus)
}

func TestIngestIdempotentOnResubmission(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())
	doc := fetchedDoc("Circular 2024", "body one", "https://x.test/a.pdf")

	first, err := svc.Ingest(context.Background(), doc)
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, ClassNew, first.Classification)
	assert.Equal(t, ClassExactDuplicate, second.Classification)
	assert.Equal(t, first.FamilyID, second.FamilyID)
	assert.Len(t, repo.families, 1)
	assert.Len(t, repo.versions, 1)
}

func TestIngestRepublishBecomesNewLatestVersion(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	first, err := svc.Ingest(context.Background(), fetchedDoc("Circular 2024", "original paragraph", "https://x.test/a.pdf"))
	require.NoError(t, err)

	// Same title, one changed paragraph.
	second, err := svc.Ingest(context.Background(), fetchedDoc("Circular 2024", "revised paragraph", "https://x.test/a.pdf"))
	require.NoError(t, err)

	assert.Equal(t, ClassUpdateOf, second.Classification)
	assert.Equal(t, first.FamilyID, second.FamilyID)
	assert.Len(t, repo.families, 1)

	versions, _ := repo.ListVersions(context.Background(), first.FamilyID)
	require.Len(t, versions, 2)
	assert.False(t, versions[0].IsLatest)
	assert.True(t, versions[1].IsLatest)
	assert.Equal(t, 2, versions[1].VersionNumber)
	assert.Equal(t, 2, repo.families[first.FamilyID].DocumentCount)
}

func TestIngestFuzzyTitleMatch(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	first, err := svc.Ingest(context.Background(), fetchedDoc(
		"Guidelines for Public Procurement in Local Government 2024", "v1", "https://x.test/g.pdf"))
	require.NoError(t, err)

	// Singular/plural drift in the republished title.
	second, err := svc.Ingest(context.Background(), fetchedDoc(
		"Guideline for Public Procurement in Local Government 2024", "v2", "https://x.test/g2.pdf"))
	require.NoError(t, err)

	assert.Equal(t, ClassUpdateOf, second.Classification)
	assert.Equal(t, first.FamilyID, second.FamilyID)
}

func TestIngestOriginURLContinuity(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	first, err := svc.Ingest(context.Background(), fetchedDoc("Circular 2024-17", "v1", "https://x.test/board/17"))
	require.NoError(t, err)

	// Retitled outright, but served from the same URL as the prior latest.
	second, err := svc.Ingest(context.Background(), fetchedDoc("Notice of Amendment 99", "v2", "https://x.test/board/17"))
	require.NoError(t, err)

	assert.Equal(t, ClassUpdateOf, second.Classification)
	assert.Equal(t, first.FamilyID, second.FamilyID)
}

func TestIngestUnrelatedTitlesMakeSeparateFamilies(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	_, err := svc.Ingest(context.Background(), fetchedDoc("Circular 2024-17 Procurement", "a", "https://x.test/1"))
	require.NoError(t, err)
	_, err = svc.Ingest(context.Background(), fetchedDoc("Annual Health Inspection Report", "b", "https://x.test/2"))
	require.NoError(t, err)

	assert.Len(t, repo.families, 2)
}

func TestIngestUntitledDocumentsStaySeparate(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	// Titles made of articles alone normalize to an empty signature; two
	// such documents are unrelated and must not share a family.
	first, err := svc.Ingest(context.Background(), fetchedDoc("The", "scanned body one", "https://x.test/u/1"))
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), fetchedDoc("Of", "scanned body two", "https://x.test/u/2"))
	require.NoError(t, err)

	assert.Equal(t, ClassNew, first.Classification)
	assert.Equal(t, ClassNew, second.Classification)
	assert.NotEqual(t, first.FamilyID, second.FamilyID)
	assert.Len(t, repo.families, 2)
}

func TestIngestCreateConflictRetriesAsUpdate(t *testing.T) {
	repo := newMemFamilyRepo()
	repo.conflictOnCreate = true
	svc := NewIngestService(repo, 0, zap.NewNop())

	result, err := svc.Ingest(context.Background(), fetchedDoc("Circular 2024", "body", "https://x.test/a.pdf"))
	require.NoError(t, err)

	// The lost race resolves into an append on the winner's family.
	assert.Equal(t, ClassUpdateOf, result.Classification)
	latest := repo.latestOf(t, result.FamilyID)
	assert.Equal(t, "Circular 2024", latest.Title)
	assert.Len(t, repo.families, 1)
}

func TestMigrateExisting(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	// Legacy rows that predate family grouping: two versions of one
	// document plus one unrelated document.
	for i, spec := range []struct {
		title, hash string
	}{
		{"Circular 2024-17 Procurement Rules", "hash-a1"},
		{"Circular 2024-17: Procurement Rules", "hash-a2"},
		{"Annual Health Inspection Report", "hash-b1"},
	} {
		id := uuid.New()
		repo.versions[id] = &models.DocumentVersion{
			ID:          id,
			Title:       spec.title,
			ContentHash: spec.hash,
			UploadedAt:  time.Now().Add(time.Duration(i) * time.Minute),
		}
	}

	migrated, err := svc.MigrateExisting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, migrated)
	assert.Len(t, repo.families, 2)

	// Every version now belongs to a family and each family has exactly
	// one latest version.
	for _, v := range repo.versions {
		require.NotNil(t, v.FamilyID)
	}
	for id := range repo.families {
		repo.latestOf(t, id)
	}

	// Idempotence: a second pass finds nothing to do.
	migrated, err = svc.MigrateExisting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, migrated)
	assert.Len(t, repo.families, 2)
}

func TestMigrateExistingUntitledVersions(t *testing.T) {
	repo := newMemFamilyRepo()
	svc := NewIngestService(repo, 0, zap.NewNop())

	// Legacy rows with no usable title each become their own family.
	for i, hash := range []string{"hash-u1", "hash-u2"} {
		id := uuid.New()
		repo.versions[id] = &models.DocumentVersion{
			ID:          id,
			Title:       "",
			ContentHash: hash,
			UploadedAt:  time.Now().Add(time.Duration(i) * time.Minute),
		}
	}

	migrated, err := svc.MigrateExisting(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, migrated)
	assert.Len(t, repo.families, 2)
	for _, v := range repo.versions {
		require.NotNil(t, v.FamilyID)
		assert.Equal(t, 1, v.VersionNumber)
	}
}
