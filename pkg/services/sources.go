package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/apperrors"
	"github.com/polidocs/ingest-engine/pkg/crawler"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/repositories"
)

// SourceService manages crawl sources and their runs.
type SourceService interface {
	// Create validates and stores a new source.
	Create(ctx context.Context, src *models.Source) error

	// Get retrieves one source.
	Get(ctx context.Context, id uuid.UUID) (*models.Source, error)

	// List retrieves all sources.
	List(ctx context.Context) ([]*models.Source, error)

	// Update modifies a source's configuration. Sources are never deleted
	// while documents reference them; disable instead.
	Update(ctx context.Context, src *models.Source) error

	// TriggerCrawl starts a crawl job. mode may be "full", "incremental",
	// or empty to let the source's history decide. Returns the job id, or
	// ErrJobInProgress when a run is already live.
	TriggerCrawl(ctx context.Context, id uuid.UUID, mode string) (uuid.UUID, error)

	// CrawlLogs returns the source's recent runs, newest first.
	CrawlLogs(ctx context.Context, id uuid.UUID, limit int) ([]*models.Job, error)
}

type sourceService struct {
	sources repositories.SourceRepository
	jobs    *JobManager
	ingest  IngestService
	crawler *crawler.Crawler
	logger  *zap.Logger
}

// NewSourceService creates the source service.
func NewSourceService(
	sources repositories.SourceRepository,
	jobs *JobManager,
	ingest IngestService,
	c *crawler.Crawler,
	logger *zap.Logger,
) SourceService {
	return &sourceService{
		sources: sources,
		jobs:    jobs,
		ingest:  ingest,
		crawler: c,
		logger:  logger,
	}
}

func (s *sourceService) Create(ctx context.Context, src *models.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	src.Enabled = true
	return s.sources.Create(ctx, src)
}

func validateSource(src *models.Source) error {
	switch {
	case src.Name == "":
		return fmt.Errorf("name is required: %w", apperrors.ErrValidation)
	case src.URL == "":
		return fmt.Errorf("url is required: %w", apperrors.ErrValidation)
	case src.PaginationEnabled && src.MaxPages < 1:
		return fmt.Errorf("max_pages must be at least 1 when pagination is enabled: %w", apperrors.ErrValidation)
	case src.WindowSize < 0 || src.MaxDocuments < 0:
		return fmt.Errorf("window_size and max_documents cannot be negative: %w", apperrors.ErrValidation)
	}

	for _, raw := range append([]string{src.URL}, src.FallbackURLs...) {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid source url %q: %w", raw, apperrors.ErrValidation)
		}
	}

	switch src.ScraperType {
	case "", models.ScraperGeneric:
		src.ScraperType = models.ScraperGeneric
	case models.ScraperTagged:
		if src.ItemSelector == "" || src.LinkSelector == "" {
			return fmt.Errorf("tagged scraper requires item and link selectors: %w", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown scraper_type %q: %w", src.ScraperType, apperrors.ErrValidation)
	}

	return nil
}

func (s *sourceService) Get(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	return s.sources.GetByID(ctx, id)
}

func (s *sourceService) List(ctx context.Context) ([]*models.Source, error) {
	return s.sources.List(ctx)
}

func (s *sourceService) Update(ctx context.Context, src *models.Source) error {
	if err := validateSource(src); err != nil {
		return err
	}
	return s.sources.Update(ctx, src)
}

func (s *sourceService) TriggerCrawl(ctx context.Context, id uuid.UUID, mode string) (uuid.UUID, error) {
	src, err := s.sources.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if !src.Enabled {
		return uuid.Nil, apperrors.ErrSourceDisabled
	}

	switch mode {
	case models.ModeFull, models.ModeIncremental:
	case "":
		mode = models.ModeFull
		if src.LastRunAt != nil && !src.ForceFullScan {
			mode = models.ModeIncremental
		}
	default:
		return uuid.Nil, fmt.Errorf("unknown crawl mode %q: %w", mode, apperrors.ErrValidation)
	}

	sourceID := src.ID
	job := &models.Job{
		Kind:     models.JobKindCrawl,
		SourceID: &sourceID,
		Mode:     mode,
	}

	err = s.jobs.Start(ctx, sourceID, job, func(runCtx context.Context, job *models.Job) error {
		return s.runCrawl(runCtx, src, mode, job)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// runCrawl is the body of one crawl job. The crawler yields documents, the
// ingest service classifies them, and the outcome steers pagination.
func (s *sourceService) runCrawl(ctx context.Context, src *models.Source, mode string, job *models.Job) error {
	visit := func(ctx context.Context, doc models.FetchedDocument) (crawler.Outcome, error) {
		result, err := s.ingest.Ingest(ctx, doc)
		if err != nil {
			return crawler.OutcomeFailed, err
		}
		switch result.Classification {
		case ClassNew:
			return crawler.OutcomeNew, nil
		case ClassUpdateOf:
			return crawler.OutcomeUpdated, nil
		default:
			return crawler.OutcomeDuplicate, nil
		}
	}

	progress := func(stats crawler.Stats) {
		copyStats(job, stats)
		s.jobs.ReportProgress(src.ID, job)
	}

	stats, runErr := s.crawler.Run(ctx, src, mode, visit, progress)
	if stats != nil {
		copyStats(job, *stats)
	}

	if err := s.sources.UpdateLastRun(context.Background(), src.ID, job.CreatedAt, crawlRunStatus(runErr)); err != nil {
		s.logger.Error("Failed to record source last run",
			zap.String("source_id", src.ID.String()),
			zap.Error(err))
	}

	return runErr
}

// crawlRunStatus maps a run's outcome to the source's last_run_status,
// mirroring how the job itself is finalized.
func crawlRunStatus(runErr error) string {
	switch {
	case runErr == nil:
		return models.JobCompleted
	case errors.Is(runErr, context.Canceled):
		return models.JobCancelled
	default:
		return models.JobFailed
	}
}

func copyStats(job *models.Job, stats crawler.Stats) {
	job.CurrentPage = stats.CurrentPage
	job.PagesVisited = stats.PagesVisited
	job.PagesFailed = stats.PagesFailed
	job.DocumentsFound = stats.DocumentsFound
	job.DocumentsAdded = stats.DocumentsNew
	job.DocumentsUpdated = stats.DocumentsUpdated
	job.DocumentsDuplicate = stats.DocumentsDuplicate
	job.DocumentsFailed = stats.DocumentsFailed
}

func (s *sourceService) CrawlLogs(ctx context.Context, id uuid.UUID, limit int) ([]*models.Job, error) {
	if _, err := s.sources.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.jobs.History(ctx, id, limit)
}

var _ SourceService = (*sourceService)(nil)
