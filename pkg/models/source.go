package models

import (
	"time"

	"github.com/google/uuid"
)

// Scraper variants. Generic extracts document links with built-in heuristics;
// tagged uses the CSS selectors configured on the source.
const (
	ScraperGeneric = "generic"
	ScraperTagged  = "tagged"
)

// Source is a configured crawl target: a paginated listing page on a
// government site. Sources are soft-disabled, never deleted, while document
// versions reference them.
type Source struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	URL               string     `json:"url"`
	FallbackURLs      []string   `json:"fallback_urls,omitempty"`
	Keywords          []string   `json:"keywords"`
	MaxDocuments      int        `json:"max_documents"`
	PaginationEnabled bool       `json:"pagination_enabled"`
	MaxPages          int        `json:"max_pages"`
	ScraperType       string     `json:"scraper_type"` // "generic" or "tagged"
	ItemSelector      string     `json:"item_selector,omitempty"`
	TitleSelector     string     `json:"title_selector,omitempty"`
	LinkSelector      string     `json:"link_selector,omitempty"`
	WindowSize        int        `json:"window_size"`
	ForceFullScan     bool       `json:"force_full_scan"`
	Enabled           bool       `json:"enabled"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus     string     `json:"last_run_status,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
