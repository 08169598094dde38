package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/adapters/datasource"
	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/audit"
	"github.com/polidocs/ingest-engine/pkg/config"
	"github.com/polidocs/ingest-engine/pkg/crypto"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/repositories"
)

// TestParams are the connection parameters for an ad-hoc connection test.
// Nothing from a test call is ever persisted.
type TestParams struct {
	DBType         string `json:"db_type"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Database       string `json:"database"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TableName      string `json:"table_name"`
	ContentColumn  string `json:"content_column"`
	FilenameColumn string `json:"filename_column"`
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Success bool               `json:"success"`
	Reason  *datasource.Reason `json:"reason,omitempty"`
}

// DataSourceService manages external-database registration requests: ad-hoc
// connection testing, submission, the approval state machine, and sync
// triggering.
type DataSourceService interface {
	// TestConnection probes the database within a hard timeout independent
	// of the caller's request lifetime. Credentials are never persisted.
	TestConnection(ctx context.Context, params TestParams) *TestResult

	// SubmitRequest validates and stores a new pending request. The
	// password is encrypted before it reaches the repository.
	SubmitRequest(ctx context.Context, req *models.DataSourceRequest, password string) error

	// GetRequest retrieves one request.
	GetRequest(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error)

	// ListRequests lists requests, optionally filtered by status.
	ListRequests(ctx context.Context, status string) ([]*models.DataSourceRequest, error)

	// Approve moves a pending request to approved and triggers its first
	// sync. Returns the sync job's id.
	Approve(ctx context.Context, id uuid.UUID, approver string) (uuid.UUID, error)

	// Reject moves a pending request to rejected. The reason is required
	// and must be at least models.MinRejectionReasonLen characters.
	Reject(ctx context.Context, id uuid.UUID, approver, reason string) error

	// TriggerSync starts a sync run for an approved, active, or failed
	// request. Returns ErrJobInProgress when one is already running.
	TriggerSync(ctx context.Context, id uuid.UUID) (uuid.UUID, error)

	// SyncLogs returns the request's recent sync runs, newest first.
	SyncLogs(ctx context.Context, id uuid.UUID, limit int) ([]*models.Job, error)
}

type dataSourceService struct {
	requests  repositories.DataSourceRequestRepository
	jobs      *JobManager
	ingest    IngestService
	encryptor *crypto.CredentialEncryptor
	auditor   *audit.ApprovalAuditor
	cfg       config.SyncConfig
	logger    *zap.Logger
}

// NewDataSourceService creates the datasource service.
func NewDataSourceService(
	requests repositories.DataSourceRequestRepository,
	jobs *JobManager,
	ingest IngestService,
	encryptor *crypto.CredentialEncryptor,
	auditor *audit.ApprovalAuditor,
	cfg config.SyncConfig,
	logger *zap.Logger,
) DataSourceService {
	return &dataSourceService{
		requests:  requests,
		jobs:      jobs,
		ingest:    ingest,
		encryptor: encryptor,
		auditor:   auditor,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *dataSourceService) TestConnection(_ context.Context, params TestParams) *TestResult {
	// The probe runs under its own deadline so an unreachable host cannot
	// hold the caller's request open.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TestTimeout())
	defer cancel()

	err := s.probe(ctx, params)
	if err == nil {
		return &TestResult{Success: true}
	}

	reason := datasource.Classify(err, params.Port)
	s.logger.Info("Connection test failed",
		zap.String("db_type", params.DBType),
		zap.String("host", params.Host),
		zap.String("category", reason.Category))
	return &TestResult{Success: false, Reason: &reason}
}

func (s *dataSourceService) probe(ctx context.Context, params TestParams) error {
	adapter, err := datasource.Connect(ctx, params.DBType, datasource.Config{
		Host:     params.Host,
		Port:     params.Port,
		Database: params.Database,
		Username: params.Username,
		Password: params.Password,
	})
	if err != nil {
		return err
	}
	defer adapter.Close()

	return adapter.TestConnection(ctx, datasource.ReadSpec{
		Table:          params.TableName,
		ContentColumn:  params.ContentColumn,
		FilenameColumn: params.FilenameColumn,
	})
}

func (s *dataSourceService) SubmitRequest(ctx context.Context, req *models.DataSourceRequest, password string) error {
	if err := validateRequest(req, password); err != nil {
		return err
	}

	encrypted, err := s.encryptor.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := s.requests.Create(ctx, req, encrypted); err != nil {
		return err
	}

	s.logger.Info("Datasource request submitted",
		zap.String("request_id", req.ID.String()),
		zap.String("name", req.Name),
		zap.String("db_type", req.DBType))
	return nil
}

func validateRequest(req *models.DataSourceRequest, password string) error {
	switch {
	case req.Name == "":
		return fmt.Errorf("name is required: %w", apperrors.ErrValidation)
	case !datasource.Supported(req.DBType):
		return fmt.Errorf("unsupported db_type %q: %w", req.DBType, apperrors.ErrValidation)
	case req.Host == "":
		return fmt.Errorf("host is required: %w", apperrors.ErrValidation)
	case req.Port <= 0 || req.Port > 65535:
		return fmt.Errorf("port must be in 1..65535: %w", apperrors.ErrValidation)
	case req.DatabaseName == "":
		return fmt.Errorf("database_name is required: %w", apperrors.ErrValidation)
	case req.Username == "" || password == "":
		return fmt.Errorf("username and password are required: %w", apperrors.ErrValidation)
	case req.TableName == "" || req.ContentColumn == "" || req.FilenameColumn == "":
		return fmt.Errorf("table_name, content_column and filename_column are required: %w", apperrors.ErrValidation)
	case !models.ValidClassification(req.Classification):
		return fmt.Errorf("unknown classification %q: %w", req.Classification, apperrors.ErrValidation)
	}
	return nil
}

func (s *dataSourceService) GetRequest(ctx context.Context, id uuid.UUID) (*models.DataSourceRequest, error) {
	return s.requests.GetByID(ctx, id)
}

func (s *dataSourceService) ListRequests(ctx context.Context, status string) ([]*models.DataSourceRequest, error) {
	return s.requests.List(ctx, status)
}

func (s *dataSourceService) Approve(ctx context.Context, id uuid.UUID, approver string) (uuid.UUID, error) {
	if approver == "" {
		return uuid.Nil, fmt.Errorf("approver identity is required: %w", apperrors.ErrValidation)
	}

	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if !models.CanTransition(req.Status, models.RequestApproved) {
		return uuid.Nil, fmt.Errorf("cannot approve a %s request: %w", req.Status, apperrors.ErrInvalidTransition)
	}

	if err := s.requests.TransitionStatus(ctx, id, req.Status, models.RequestApproved, approver, ""); err != nil {
		return uuid.Nil, err
	}
	s.auditor.LogApproval(audit.TargetDatasource, id.String(), approver)

	// Approval triggers the first sync attempt.
	jobID, err := s.TriggerSync(ctx, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("approved but failed to start sync: %w", err)
	}
	return jobID, nil
}

func (s *dataSourceService) Reject(ctx context.Context, id uuid.UUID, approver, reason string) error {
	if approver == "" {
		return fmt.Errorf("approver identity is required: %w", apperrors.ErrValidation)
	}
	if len(strings.TrimSpace(reason)) < models.MinRejectionReasonLen {
		return fmt.Errorf("rejection reason must be at least %d characters: %w",
			models.MinRejectionReasonLen, apperrors.ErrValidation)
	}

	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(req.Status, models.RequestRejected) {
		return fmt.Errorf("cannot reject a %s request: %w", req.Status, apperrors.ErrInvalidTransition)
	}

	if err := s.requests.TransitionStatus(ctx, id, req.Status, models.RequestRejected, approver, reason); err != nil {
		return err
	}
	s.auditor.LogRejection(audit.TargetDatasource, id.String(), approver, reason)
	return nil
}

func (s *dataSourceService) TriggerSync(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	switch req.Status {
	case models.RequestApproved, models.RequestActive, models.RequestFailed:
	default:
		return uuid.Nil, fmt.Errorf("cannot sync a %s request: %w", req.Status, apperrors.ErrInvalidTransition)
	}

	requestID := req.ID
	job := &models.Job{
		Kind:         models.JobKindSync,
		DatasourceID: &requestID,
	}

	err = s.jobs.Start(ctx, requestID, job, func(runCtx context.Context, job *models.Job) error {
		return s.runSync(runCtx, requestID, job)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

func (s *dataSourceService) SyncLogs(ctx context.Context, id uuid.UUID, limit int) ([]*models.Job, error) {
	if _, err := s.requests.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.jobs.History(ctx, id, limit)
}

var _ DataSourceService = (*dataSourceService)(nil)
