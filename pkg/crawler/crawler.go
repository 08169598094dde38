// Package crawler walks paginated listing pages of registered sources and
// yields fetched documents for classification.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/polidocs/ingest-engine/pkg/config"
	"github.com/polidocs/ingest-engine/pkg/models"
	"github.com/polidocs/ingest-engine/pkg/retry"
)

// Outcome is the downstream classification of a visited document, fed back
// to the crawler so it can steer pagination.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeUpdated
	OutcomeDuplicate
	OutcomeFailed
)

// VisitFunc receives each fetched document. The returned outcome drives the
// duplicate-ratio pagination heuristic; a non-nil error counts the document
// as failed without stopping the run.
type VisitFunc func(ctx context.Context, doc models.FetchedDocument) (Outcome, error)

// Stats are the live counters of one crawl run.
type Stats struct {
	CurrentPage        int
	PagesVisited       int
	PagesFailed        int
	DocumentsFound     int
	DocumentsNew       int
	DocumentsUpdated   int
	DocumentsDuplicate int
	DocumentsFailed    int
	Extended           bool
}

// ProgressFunc is called after every completed page with a snapshot of the
// run counters.
type ProgressFunc func(Stats)

// Crawler fetches listing pages and documents over HTTP.
type Crawler struct {
	client *http.Client
	cfg    config.CrawlerConfig
	logger *zap.Logger
}

// New creates a crawler with its own HTTP client.
func New(cfg config.CrawlerConfig, logger *zap.Logger) *Crawler {
	return &Crawler{
		client: &http.Client{Timeout: cfg.FetchTimeout()},
		cfg:    cfg,
		logger: logger,
	}
}

// Run walks the source's listing pages in the given mode and hands every
// keyword-matching document to visit. It returns the final counters; the
// error is non-nil only when the run failed as a whole (listing unreachable
// on every configured URL, or the context was cancelled).
func (c *Crawler) Run(ctx context.Context, src *models.Source, mode string, visit VisitFunc, progress ProgressFunc) (*Stats, error) {
	stats := &Stats{}

	baseURL, firstPage, err := c.reachListing(ctx, src)
	if err != nil {
		return stats, err
	}

	endPage := c.plannedPages(src, mode)
	ceiling := endPage
	if src.PaginationEnabled {
		ceiling = src.MaxPages * c.cfg.ExtensionCeilingFactor
	}

	for page := 1; page <= endPage; page++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.CurrentPage = page

		var items []Item
		if page == 1 {
			items = firstPage
		} else {
			items, err = c.fetchListing(ctx, baseURL, page, src)
			if err != nil {
				stats.PagesFailed++
				c.logger.Warn("Skipping listing page after retries",
					zap.String("source", src.Name),
					zap.Int("page", page),
					zap.Error(err))
				if progress != nil {
					progress(*stats)
				}
				continue
			}
		}
		// An empty page means we walked past the end of the listing.
		if len(items) == 0 && page > 1 {
			break
		}
		stats.PagesVisited++

		if done := c.visitItems(ctx, src, items, visit, stats); done {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			break
		}

		if page == endPage && src.PaginationEnabled && endPage < ceiling && c.duplicateHeavy(stats) {
			extended := endPage * c.cfg.ExtensionFactor
			if extended > ceiling {
				extended = ceiling
			}
			endPage = extended
			stats.Extended = true
			c.logger.Info("Extending pagination on duplicate-heavy run",
				zap.String("source", src.Name),
				zap.Int("new_end_page", endPage))
		}

		if progress != nil {
			progress(*stats)
		}
	}

	return stats, nil
}

// reachListing tries the source URL and then each fallback in declared order
// until one serves a parseable first page.
func (c *Crawler) reachListing(ctx context.Context, src *models.Source) (string, []Item, error) {
	candidates := append([]string{src.URL}, src.FallbackURLs...)

	var lastErr error
	for _, candidate := range candidates {
		items, err := c.fetchListing(ctx, candidate, 1, src)
		if err != nil {
			lastErr = err
			c.logger.Warn("Listing URL unreachable, trying next",
				zap.String("source", src.Name),
				zap.String("url", candidate),
				zap.Error(err))
			continue
		}
		return candidate, items, nil
	}

	return "", nil, fmt.Errorf("source unreachable on all %d configured urls: %w", len(candidates), lastErr)
}

// plannedPages returns how many pages the run initially targets.
func (c *Crawler) plannedPages(src *models.Source, mode string) int {
	if !src.PaginationEnabled {
		return 1
	}
	if mode == models.ModeIncremental && !src.ForceFullScan {
		if src.WindowSize > 0 && src.WindowSize < src.MaxPages {
			return src.WindowSize
		}
	}
	return src.MaxPages
}

func (c *Crawler) visitItems(ctx context.Context, src *models.Source, items []Item, visit VisitFunc, stats *Stats) bool {
	for _, item := range items {
		if ctx.Err() != nil {
			return true
		}
		if src.MaxDocuments > 0 && stats.DocumentsFound >= src.MaxDocuments {
			return true
		}

		ok, matched := matchKeywords(src.Keywords, item)
		if !ok {
			continue
		}

		doc, err := c.fetchDocument(ctx, src, item, matched)
		if err != nil {
			stats.DocumentsFailed++
			c.logger.Warn("Failed to fetch document",
				zap.String("source", src.Name),
				zap.String("url", item.URL),
				zap.Error(err))
			continue
		}
		stats.DocumentsFound++

		outcome, err := visit(ctx, *doc)
		if err != nil {
			stats.DocumentsFailed++
			c.logger.Error("Failed to store document",
				zap.String("source", src.Name),
				zap.String("url", item.URL),
				zap.Error(err))
			continue
		}
		switch outcome {
		case OutcomeNew:
			stats.DocumentsNew++
		case OutcomeUpdated:
			stats.DocumentsUpdated++
		case OutcomeDuplicate:
			stats.DocumentsDuplicate++
		case OutcomeFailed:
			stats.DocumentsFailed++
		}
	}
	return false
}

// duplicateHeavy reports whether the run so far is mostly re-fetching
// documents we already hold.
func (c *Crawler) duplicateHeavy(stats *Stats) bool {
	classified := stats.DocumentsNew + stats.DocumentsUpdated + stats.DocumentsDuplicate
	if classified == 0 {
		return false
	}
	ratio := float64(stats.DocumentsDuplicate) / float64(classified)
	return ratio > c.cfg.DuplicateRatioThreshold
}

// fetchListing retrieves and parses one listing page, retrying transient
// failures up to the configured budget.
func (c *Crawler) fetchListing(ctx context.Context, baseURL string, page int, src *models.Source) ([]Item, error) {
	pageURL := pageURL(baseURL, page)

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = c.cfg.PageRetries

	return retry.DoWithResult(ctx, retryCfg, func() ([]Item, error) {
		body, _, err := c.get(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		return parseListing(strings.NewReader(string(body)), pageURL, src)
	})
}

func (c *Crawler) fetchDocument(ctx context.Context, src *models.Source, item Item, matched []string) (*models.FetchedDocument, error) {
	body, contentType, err := c.get(ctx, item.URL)
	if err != nil {
		return nil, err
	}

	fileType, ok := extensionOf(item.URL)
	if !ok {
		fileType = fileTypeFromContentType(contentType)
	}

	return &models.FetchedDocument{
		SourceID:        src.ID,
		Provenance:      fmt.Sprintf("crawl:%s", src.ID),
		OriginURL:       item.URL,
		Title:           item.Title,
		Content:         body,
		FileType:        fileType,
		RetrievedAt:     time.Now(),
		MatchedKeywords: matched,
	}, nil
}

func (c *Crawler) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// pageURL appends the page parameter; page 1 is the bare listing URL.
func pageURL(baseURL string, page int) string {
	if page <= 1 {
		return baseURL
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d", baseURL, sep, page)
}

func fileTypeFromContentType(contentType string) string {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case "application/pdf":
		return "pdf"
	case "text/html":
		return "html"
	case "text/plain":
		return "txt"
	case "application/msword":
		return "doc"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	default:
		return "bin"
	}
}
