package models

import (
	"time"

	"github.com/google/uuid"
)

// Job kinds.
const (
	JobKindCrawl = "crawl"
	JobKindSync  = "sync"
)

// Job statuses. Once a job reaches a terminal status its row is never
// mutated again; finalized jobs double as the append-only run log.
const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Run modes for crawl jobs.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// Job is one crawl or sync run. Callers poll it by id; counters are updated
// as the run progresses and frozen on finalization.
type Job struct {
	ID                 uuid.UUID  `json:"id"`
	Kind               string     `json:"kind"`
	SourceID           *uuid.UUID `json:"source_id,omitempty"`
	DatasourceID       *uuid.UUID `json:"datasource_id,omitempty"`
	Mode               string     `json:"mode,omitempty"`
	Status             string     `json:"status"`
	CurrentPage        int        `json:"current_page"`
	PagesVisited       int        `json:"pages_visited"`
	PagesFailed        int        `json:"pages_failed"`
	DocumentsFound     int        `json:"documents_found"`
	DocumentsAdded     int        `json:"documents_added"`
	DocumentsUpdated   int        `json:"documents_updated"`
	DocumentsDuplicate int        `json:"documents_duplicate"`
	DocumentsFailed    int        `json:"documents_failed"`
	Error              string     `json:"error,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	DurationMs         int64      `json:"duration_ms"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Terminal reports whether the job has finished.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
