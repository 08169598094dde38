package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/repositories"
)

// RunFunc is the body of a background job. It must check ctx between page
// fetches or row batches so cancellation takes effect promptly.
type RunFunc func(ctx context.Context, job *models.Job) error

// JobManager schedules crawl and sync runs on a bounded worker pool and
// enforces at most one live job per source or datasource through durable
// leases. Cancellation is cooperative; work already committed by cancelled
// jobs stays committed.
type JobManager struct {
	jobs     repositories.JobRepository
	sem      chan struct{}
	leaseTTL time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewJobManager creates a job manager with maxConcurrent worker slots.
func NewJobManager(jobs repositories.JobRepository, maxConcurrent int, leaseTTL time.Duration, logger *zap.Logger) *JobManager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &JobManager{
		jobs:     jobs,
		sem:      make(chan struct{}, maxConcurrent),
		leaseTTL: leaseTTL,
		logger:   logger,
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start claims the parent's run slot, records the job, and launches run in
// the background. Returns ErrJobInProgress when a live job already holds
// the parent's lease.
func (m *JobManager) Start(ctx context.Context, parentID uuid.UUID, job *models.Job, run RunFunc) error {
	job.ID = uuid.New()

	if err := m.jobs.AcquireLease(ctx, parentID, job.ID, m.leaseTTL); err != nil {
		return err
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		if releaseErr := m.jobs.ReleaseLease(ctx, parentID, job.ID); releaseErr != nil {
			m.logger.Error("Failed to release lease after create failure",
				zap.String("job_id", job.ID.String()),
				zap.Error(releaseErr))
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(runCtx, parentID, job, run)

	return nil
}

func (m *JobManager) execute(ctx context.Context, parentID uuid.UUID, job *models.Job, run RunFunc) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.cancels[job.ID]; ok {
			cancel()
			delete(m.cancels, job.ID)
		}
		m.mu.Unlock()

		if err := m.jobs.ReleaseLease(context.Background(), parentID, job.ID); err != nil {
			m.logger.Error("Failed to release job lease",
				zap.String("job_id", job.ID.String()),
				zap.Error(err))
		}
	}()

	// Wait for a worker slot; the job stays queued meanwhile.
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finalize(job, models.JobCancelled, "cancelled while queued")
		return
	}

	now := time.Now()
	job.StartedAt = &now
	if err := m.jobs.MarkStarted(context.Background(), job.ID); err != nil {
		m.logger.Error("Failed to mark job started",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		m.finalize(job, models.JobFailed, "could not transition to in_progress")
		return
	}

	m.logger.Info("Job started",
		zap.String("job_id", job.ID.String()),
		zap.String("kind", job.Kind))

	err := run(ctx, job)
	switch {
	case err == nil:
		m.finalize(job, models.JobCompleted, "")
	case errors.Is(err, context.Canceled):
		m.finalize(job, models.JobCancelled, "cancelled")
	default:
		m.finalize(job, models.JobFailed, err.Error())
	}
}

func (m *JobManager) finalize(job *models.Job, status, errMsg string) {
	job.Status = status
	job.Error = errMsg

	if err := m.jobs.Finalize(context.Background(), job); err != nil {
		m.logger.Error("Failed to finalize job",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		return
	}

	m.logger.Info("Job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", status),
		zap.Int64("duration_ms", job.DurationMs))
}

// ReportProgress persists the job's counters and keeps its lease alive.
// Called by running jobs between pages or row batches.
func (m *JobManager) ReportProgress(parentID uuid.UUID, job *models.Job) {
	if err := m.jobs.UpdateProgress(context.Background(), job); err != nil {
		m.logger.Warn("Failed to persist job progress",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
	}
	if err := m.jobs.ExtendLease(context.Background(), parentID, job.ID, m.leaseTTL); err != nil {
		m.logger.Warn("Failed to extend job lease",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
	}
}

// Cancel requests cooperative cancellation of a running job. Jobs already
// in a terminal status return ErrInvalidTransition.
func (m *JobManager) Cancel(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	cancel, running := m.cancels[jobID]
	m.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return fmt.Errorf("job is already %s: %w", job.Status, apperrors.ErrInvalidTransition)
	}
	// Queued in the store but unknown to this process: a crashed run.
	// Finalize it so its lease can expire naturally.
	m.finalize(job, models.JobCancelled, "cancelled before pickup")
	return nil
}

// Get retrieves one job by id.
func (m *JobManager) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return m.jobs.GetByID(ctx, jobID)
}

// History returns a parent resource's recent jobs, newest first.
func (m *JobManager) History(ctx context.Context, parentID uuid.UUID, limit int) ([]*models.Job, error) {
	return m.jobs.ListByParent(ctx, parentID, limit)
}

// Wait blocks until all running jobs have finished. Used on shutdown.
func (m *JobManager) Wait() {
	m.wg.Wait()
}
