package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/adapters/datasource"
	"github.com/polidocs/ingest-engine/pkg/models"
)

// runSync is the body of one sync job: it reads every row of the request's
// configured table and feeds the resulting documents through the same ingest
// path the crawler uses. Decrypted credentials live only inside this call.
func (s *dataSourceService) runSync(ctx context.Context, requestID uuid.UUID, job *models.Job) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}

	encrypted, err := s.requests.GetEncryptedPassword(ctx, requestID)
	if err != nil {
		return err
	}
	password, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return s.failSync(ctx, req, job, fmt.Errorf("stored credentials cannot be decrypted: %w", err))
	}
	s.auditor.LogCredentialUse(requestID.String(), "sync")

	adapter, err := datasource.Connect(ctx, req.DBType, datasource.Config{
		Host:     req.Host,
		Port:     req.Port,
		Database: req.DatabaseName,
		Username: req.Username,
		Password: password,
	})
	if err != nil {
		return s.failSync(ctx, req, job, err)
	}
	defer adapter.Close()

	spec := datasource.ReadSpec{
		Table:          req.TableName,
		ContentColumn:  req.ContentColumn,
		FilenameColumn: req.FilenameColumn,
	}

	total, err := adapter.CountRows(ctx, spec)
	if err != nil {
		return s.failSync(ctx, req, job, err)
	}
	s.logger.Info("Sync started",
		zap.String("request_id", requestID.String()),
		zap.Int64("rows", total))

	sinceProgress := 0
	err = adapter.ReadRows(ctx, spec, func(row datasource.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc := rowToDocument(requestID, row)
		job.DocumentsFound++

		result, err := s.ingest.Ingest(ctx, doc)
		if err != nil {
			job.DocumentsFailed++
			s.logger.Error("Failed to ingest synced row",
				zap.String("request_id", requestID.String()),
				zap.String("filename", row.Filename),
				zap.Error(err))
		} else {
			switch result.Classification {
			case ClassNew:
				job.DocumentsAdded++
			case ClassUpdateOf:
				job.DocumentsUpdated++
			case ClassExactDuplicate:
				job.DocumentsDuplicate++
			}
		}

		sinceProgress++
		if sinceProgress >= s.cfg.BatchSize {
			sinceProgress = 0
			s.jobs.ReportProgress(requestID, job)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return s.failSync(ctx, req, job, err)
	}

	// First successful sync activates the request; a recovered request
	// returns from failed to active.
	if models.CanTransition(req.Status, models.RequestActive) {
		if err := s.requests.TransitionStatus(ctx, requestID, req.Status, models.RequestActive, req.Approver, ""); err != nil {
			return fmt.Errorf("sync succeeded but activation failed: %w", err)
		}
	}
	if req.LastError != "" {
		if err := s.requests.SetLastError(ctx, requestID, ""); err != nil {
			s.logger.Warn("Failed to clear last sync error",
				zap.String("request_id", requestID.String()),
				zap.Error(err))
		}
	}

	s.logger.Info("Sync completed",
		zap.String("request_id", requestID.String()),
		zap.Int("added", job.DocumentsAdded),
		zap.Int("updated", job.DocumentsUpdated),
		zap.Int("duplicate", job.DocumentsDuplicate))
	return nil
}

// failSync records the failure on the request, moves it to failed when the
// state machine allows, and returns the original error for job finalization.
func (s *dataSourceService) failSync(ctx context.Context, req *models.DataSourceRequest, job *models.Job, cause error) error {
	reason := datasource.Classify(cause, req.Port)
	message := fmt.Sprintf("%s: %s", reason.Category, reason.Hint)

	if err := s.requests.SetLastError(ctx, req.ID, message); err != nil {
		s.logger.Error("Failed to record sync error",
			zap.String("request_id", req.ID.String()),
			zap.Error(err))
	}
	if models.CanTransition(req.Status, models.RequestFailed) {
		if err := s.requests.TransitionStatus(ctx, req.ID, req.Status, models.RequestFailed, req.Approver, ""); err != nil {
			s.logger.Error("Failed to mark request failed",
				zap.String("request_id", req.ID.String()),
				zap.Error(err))
		}
	}
	s.auditor.LogSyncFailure(req.ID.String(), reason.Category)

	return fmt.Errorf("sync failed (%s): %w", reason.Category, cause)
}

func rowToDocument(requestID uuid.UUID, row datasource.Row) models.FetchedDocument {
	title := row.Filename
	fileType := strings.TrimPrefix(strings.ToLower(path.Ext(row.Filename)), ".")
	if fileType != "" {
		title = strings.TrimSuffix(row.Filename, path.Ext(row.Filename))
	} else {
		fileType = "bin"
	}

	return models.FetchedDocument{
		DatasourceID: requestID,
		Provenance:   fmt.Sprintf("external-database:%s", requestID),
		Title:        title,
		Content:      row.Content,
		FileType:     fileType,
		RetrievedAt:  time.Now(),
	}
}
