package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/adapters/datasource"
	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/audit"
	"github.com/polidocs/ingest-engine/pkg/config"
	"github.com/polidocs/ingest-engine/pkg/crypto"
	"github.com/polidocs/ingest-engine/pkg/models"
)

const testEncryptionKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

// memRequestRepo is an in-memory DataSourceRequestRepository.
type memRequestRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*models.DataSourceRequest
	passwords map[uuid.UUID]string
}

func newMemRequestRepo() *memRequestRepo {
	return &memRequestRepo{
		requests:  make(map[uuid.UUID]*models.DataSourceRequest),
		passwords: make(map[uuid.UUID]string),
	}
}

func (m *memRequestRepo) Create(ctx context.Context, req *models.DataSourceRequest, encryptedPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.ID = uuid.New()
	req.Status = models.RequestPending
	clone := *req
	m.requests[req.ID] = &clone
	m.passwords[req.ID] = encryptedPassword
	return nil
}

func (m *memRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (m *memRequestRepo) GetEncryptedPassword(ctx context.Context, id uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	encrypted, ok := m.passwords[id]
	if !ok {
		return "", apperrors.ErrNotFound
	}
	return encrypted, nil
}

func (m *memRequestRepo) List(ctx context.Context, status string) ([]*models.DataSourceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DataSourceRequest
	for _, req := range m.requests {
		if status == "" || req.Status == status {
			clone := *req
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memRequestRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to, approver, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if req.Status != from {
		return apperrors.ErrConflict
	}
	req.Status = to
	req.Approver = approver
	req.RejectionReason = reason
	return nil
}

func (m *memRequestRepo) SetLastError(ctx context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	req.LastError = message
	return nil
}

// fakeAdapter serves canned rows; behavior is swapped per test through the
// shared fakeConnector.
type fakeAdapter struct {
	rows     []datasource.Row
	testErr  error
	readErr  error
	lastSpec datasource.ReadSpec
}

func (a *fakeAdapter) TestConnection(ctx context.Context, spec datasource.ReadSpec) error {
	a.lastSpec = spec
	return a.testErr
}

func (a *fakeAdapter) CountRows(ctx context.Context, spec datasource.ReadSpec) (int64, error) {
	return int64(len(a.rows)), nil
}

func (a *fakeAdapter) ReadRows(ctx context.Context, spec datasource.ReadSpec, fn func(datasource.Row) error) error {
	if a.readErr != nil {
		return a.readErr
	}
	for _, row := range a.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (a *fakeAdapter) Close() error { return nil }

type fakeConnector struct {
	mu         sync.Mutex
	adapter    *fakeAdapter
	connectErr error
	sawConfig  datasource.Config
}

func (c *fakeConnector) Type() string { return "fakedb" }

func (c *fakeConnector) Connect(ctx context.Context, cfg datasource.Config) (datasource.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sawConfig = cfg
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.adapter, nil
}

func (c *fakeConnector) set(adapter *fakeAdapter, connectErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter = adapter
	c.connectErr = connectErr
}

var sharedConnector = &fakeConnector{}

func init() {
	datasource.Register(sharedConnector)
}

type dsFixture struct {
	svc      DataSourceService
	requests *memRequestRepo
	families *memFamilyRepo
	jobRepo  *memJobRepo
	mgr      *JobManager
}

func newDSFixture(t *testing.T) *dsFixture {
	t.Helper()
	encryptor, err := crypto.NewCredentialEncryptor(testEncryptionKey)
	require.NoError(t, err)

	requests := newMemRequestRepo()
	families := newMemFamilyRepo()
	jobRepo := newMemJobRepo()
	logger := zap.NewNop()
	mgr := NewJobManager(jobRepo, 4, time.Minute, logger)
	ingest := NewIngestService(families, 0, logger)

	svc := NewDataSourceService(
		requests, mgr, ingest, encryptor,
		audit.NewApprovalAuditor(logger),
		config.SyncConfig{TestTimeoutSeconds: 5, BatchSize: 2},
		logger,
	)
	return &dsFixture{svc: svc, requests: requests, families: families, jobRepo: jobRepo, mgr: mgr}
}

func validRequest() *models.DataSourceRequest {
	return &models.DataSourceRequest{
		Requester:      "registrar@example.gov",
		Classification: models.ClassificationPublic,
		Name:           "records-db",
		DBType:         "fakedb",
		Host:           "db.internal",
		Port:           5432,
		DatabaseName:   "records",
		Username:       "reader",
		TableName:      "documents",
		ContentColumn:  "body",
		FilenameColumn: "filename",
	}
}

func TestSubmitRequestValidation(t *testing.T) {
	f := newDSFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.DataSourceRequest)
	}{
		{"missing name", func(r *models.DataSourceRequest) { r.Name = "" }},
		{"unsupported db type", func(r *models.DataSourceRequest) { r.DBType = "oracle" }},
		{"bad port", func(r *models.DataSourceRequest) { r.Port = 0 }},
		{"missing table", func(r *models.DataSourceRequest) { r.TableName = "" }},
		{"missing content column", func(r *models.DataSourceRequest) { r.ContentColumn = "" }},
		{"unknown classification", func(r *models.DataSourceRequest) { r.Classification = "secret" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := f.svc.SubmitRequest(ctx, req, "hunter2")
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}

	err := f.svc.SubmitRequest(ctx, validRequest(), "")
	assert.ErrorIs(t, err, apperrors.ErrValidation, "password is required")
}

func TestSubmitRequestEncryptsPassword(t *testing.T) {
	f := newDSFixture(t)
	req := validRequest()

	require.NoError(t, f.svc.SubmitRequest(context.Background(), req, "hunter2"))

	stored, err := f.requests.GetEncryptedPassword(context.Background(), req.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", stored)
	assert.NotContains(t, stored, "hunter2")

	loaded, err := f.svc.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, loaded.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newDSFixture(t)
	req := validRequest()
	require.NoError(t, f.svc.SubmitRequest(context.Background(), req, "hunter2"))

	err := f.svc.Reject(context.Background(), req.ID, "approver@example.gov", "too short")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	loaded, _ := f.svc.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.RequestPending, loaded.Status)

	err = f.svc.Reject(context.Background(), req.ID, "approver@example.gov", "the host is not on the allowed network list")
	require.NoError(t, err)

	loaded, _ = f.svc.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.RequestRejected, loaded.Status)

	// Rejected is terminal.
	_, err = f.svc.Approve(context.Background(), req.ID, "approver@example.gov")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestApproveRunsFirstSyncAndActivates(t *testing.T) {
	f := newDSFixture(t)
	sharedConnector.set(&fakeAdapter{rows: []datasource.Row{
		{Filename: "budget-guidelines-2024.pdf", Content: []byte("content one")},
		{Filename: "health-inspection-report.pdf", Content: []byte("content two")},
		{Filename: "budget-guidelines-copy.pdf", Content: []byte("content one")},
	}}, nil)

	req := validRequest()
	require.NoError(t, f.svc.SubmitRequest(context.Background(), req, "hunter2"))

	jobID, err := f.svc.Approve(context.Background(), req.ID, "approver@example.gov")
	require.NoError(t, err)
	f.mgr.Wait()

	job := waitForStatus(t, f.jobRepo, jobID, models.JobCompleted)
	assert.Equal(t, 3, job.DocumentsFound)

	loaded, _ := f.svc.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.RequestActive, loaded.Status)

	// Synced documents went through the same family engine as crawls.
	families, _ := f.families.ListFamilies(context.Background(), false)
	require.Len(t, families, 2)
	for _, v := range f.families.versions {
		assert.Equal(t, "external-database:"+req.ID.String(), v.Provenance)
	}

	// The decrypted password reached the connector, not the ciphertext.
	assert.Equal(t, "hunter2", sharedConnector.sawConfig.Password)
}

func TestSyncFailureMarksRequestFailed(t *testing.T) {
	f := newDSFixture(t)
	sharedConnector.set(nil, errors.New("dial tcp: connect: connection refused"))

	req := validRequest()
	require.NoError(t, f.svc.SubmitRequest(context.Background(), req, "hunter2"))

	jobID, err := f.svc.Approve(context.Background(), req.ID, "approver@example.gov")
	require.NoError(t, err)
	f.mgr.Wait()

	job := waitForStatus(t, f.jobRepo, jobID, models.JobFailed)
	assert.Contains(t, job.Error, "unreachable")

	loaded, _ := f.svc.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.RequestFailed, loaded.Status)
	assert.Contains(t, loaded.LastError, "unreachable")

	// Failed is recoverable: a re-trigger with a healthy connection
	// returns the request to active.
	sharedConnector.set(&fakeAdapter{rows: nil}, nil)
	jobID, err = f.svc.TriggerSync(context.Background(), req.ID)
	require.NoError(t, err)
	f.mgr.Wait()
	waitForStatus(t, f.jobRepo, jobID, models.JobCompleted)

	loaded, _ = f.svc.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.RequestActive, loaded.Status)
	assert.Empty(t, loaded.LastError)
}

func TestTriggerSyncRejectsPendingRequest(t *testing.T) {
	f := newDSFixture(t)
	req := validRequest()
	require.NoError(t, f.svc.SubmitRequest(context.Background(), req, "hunter2"))

	_, err := f.svc.TriggerSync(context.Background(), req.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestConnectionTestSuccess(t *testing.T) {
	f := newDSFixture(t)
	adapter := &fakeAdapter{}
	sharedConnector.set(adapter, nil)

	result := f.svc.TestConnection(context.Background(), TestParams{
		DBType: "fakedb", Host: "db.internal", Port: 5432,
		Database: "records", Username: "reader", Password: "hunter2",
		TableName: "documents", ContentColumn: "body", FilenameColumn: "filename",
	})

	assert.True(t, result.Success)
	assert.Nil(t, result.Reason)
	assert.Equal(t, "documents", adapter.lastSpec.Table)

	// A test call persists nothing.
	all, _ := f.requests.List(context.Background(), "")
	assert.Empty(t, all)
}

func TestConnectionTestClassifiesFailure(t *testing.T) {
	f := newDSFixture(t)
	sharedConnector.set(&fakeAdapter{
		testErr: &datasource.MissingTableError{Table: "documents", Err: errors.New("missing")},
	}, nil)

	result := f.svc.TestConnection(context.Background(), TestParams{
		DBType: "fakedb", Host: "db.internal", Port: 5432,
		Database: "records", Username: "reader", Password: "hunter2",
		TableName: "documents", ContentColumn: "body", FilenameColumn: "filename",
	})

	require.False(t, result.Success)
	require.NotNil(t, result.Reason)
	assert.Equal(t, datasource.ReasonMissingTable, result.Reason.Category)
	assert.Contains(t, result.Reason.Hint, "documents")
}
