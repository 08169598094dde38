package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/adapters/datasource"
	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/services"
)

type mockDataSourceService struct {
	testFn    func(ctx context.Context, params services.TestParams) *services.TestResult
	submitFn  func(ctx context.Context, req *models.DataSourceRequest, password string) error
	getFn     func(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error)
	listFn    func(ctx context.Context, status string) ([]*models.DataSourceRequest, error)
	approveFn func(ctx context.Context, id uuid.UUID, approver string) (uuid.UUID, error)
	rejectFn  func(ctx context.Context, id uuid.UUID, approver, reason string) error
	syncFn    func(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	logsFn    func(ctx context.Context, id uuid.UUID, limit int) ([]*models.Job, error)
}

func (m *mockDataSourceService) TestConnection(ctx context.Context, params services.TestParams) *services.TestResult {
	return m.testFn(ctx, params)
}

func (m *mockDataSourceService) SubmitRequest(ctx context.Context, req *models.DataSourceRequest, password string) error {
	return m.submitFn(ctx, req, password)
}

func (m *mockDataSourceService) GetRequest(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error) {
	return m.getFn(ctx, id)
}

func (m *mockDataSourceService) ListRequests(ctx context.Context, status string) ([]*models.DataSourceRequest, error) {
	return m.listFn(ctx, status)
}

func (m *mockDataSourceService) Approve(ctx context.Context, id uuid.UUID, approver string) (uuid.UUID, error) {
	return m.approveFn(ctx, id, approver)
}

func (m *mockDataSourceService) Reject(ctx context.Context, id uuid.UUID, approver, reason string) error {
	return m.rejectFn(ctx, id, approver, reason)
}

func (m *mockDataSourceService) TriggerSync(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	return m.syncFn(ctx, id)
}

func (m *mockDataSourceService) SyncLogs(ctx context.Context, id uuid.UUID, limit int) ([]*models.Job, error) {
	return m.logsFn(ctx, id, limit)
}

func serveDataSources(svc services.DataSourceService, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	NewDataSourcesHandler(svc, zap.NewNop()).RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestTestConnectionReturnsReason(t *testing.T) {
	svc := &mockDataSourceService{
		testFn: func(ctx context.Context, params services.TestParams) *services.TestResult {
			assert.Equal(t, "db.internal", params.Host)
			return &services.TestResult{
				Success: false,
				Reason:  &datasource.Reason{Category: datasource.ReasonAuth, Hint: "check the username and password"},
			}
		},
	}

	body := `{"db_type":"postgres","host":"db.internal","port":5432,"database":"records","username":"reader","password":"pw"}`
	req := httptest.NewRequest(http.MethodPost, "/api/data-sources/test-connection", strings.NewReader(body))
	rec := serveDataSources(svc, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Success bool               `json:"success"`
			Reason  *datasource.Reason `json:"reason"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Success)
	require.NotNil(t, resp.Data.Reason)
	assert.Equal(t, datasource.ReasonAuth, resp.Data.Reason.Category)
}

func TestSubmitDefaultsRequesterFromHeader(t *testing.T) {
	var gotRequester, gotPassword string
	svc := &mockDataSourceService{
		submitFn: func(ctx context.Context, req *models.DataSourceRequest, password string) error {
			gotRequester = req.Requester
			gotPassword = password
			return nil
		},
	}

	body := `{"name":"records-db","db_type":"postgres","password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/data-sources/request", strings.NewReader(body))
	req.Header.Set("X-User-ID", "registrar@example.gov")
	rec := serveDataSources(svc, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "registrar@example.gov", gotRequester)
	assert.Equal(t, "hunter2", gotPassword)
	// The password never echoes back in the response.
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestApproveConflictMapsTo409(t *testing.T) {
	svc := &mockDataSourceService{
		approveFn: func(ctx context.Context, id uuid.UUID, approver string) (uuid.UUID, error) {
			return uuid.Nil, apperrors.ErrJobInProgress
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/data-sources/"+uuid.NewString()+"/approve", nil)
	req.Header.Set("X-User-ID", "approver@example.gov")
	rec := serveDataSources(svc, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectWithoutIdentity(t *testing.T) {
	called := false
	svc := &mockDataSourceService{
		rejectFn: func(ctx context.Context, id uuid.UUID, approver, reason string) error {
			called = true
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/data-sources/"+uuid.NewString()+"/reject",
		strings.NewReader(`{"reason":"host is not on the allowed network list"}`))
	rec := serveDataSources(svc, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestPendingAndActiveShortcuts(t *testing.T) {
	var gotStatus string
	svc := &mockDataSourceService{
		listFn: func(ctx context.Context, status string) ([]*models.DataSourceRequest, error) {
			gotStatus = status
			return nil, nil
		},
	}

	rec := serveDataSources(svc, httptest.NewRequest(http.MethodGet, "/api/data-sources/pending", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RequestPending, gotStatus)

	rec = serveDataSources(svc, httptest.NewRequest(http.MethodGet, "/api/data-sources/active", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RequestActive, gotStatus)
}

func TestTriggerSyncAccepted(t *testing.T) {
	jobID := uuid.New()
	svc := &mockDataSourceService{
		syncFn: func(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
			return jobID, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/data-sources/"+uuid.NewString()+"/sync", nil)
	rec := serveDataSources(svc, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), jobID.String())
}
