package models

import (
	"time"

	"github.com/google/uuid"
)

// Approval states for a document version.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// FetchedDocument is the transient unit handed from a producer (crawler or
// sync engine) to the dedup/family engine. It is consumed exactly once: either
// discarded as an exact duplicate or promoted to a DocumentVersion.
type FetchedDocument struct {
	SourceID        uuid.UUID // set for crawler output
	DatasourceID    uuid.UUID // set for sync engine output
	Provenance      string    // e.g. "crawl:{source id}" or "external-database:{request id}"
	OriginURL       string
	Title           string
	Content         []byte
	FileType        string
	RetrievedAt     time.Time
	MatchedKeywords []string
}

// DocumentFamily groups all versions of the same logical document over time.
// Invariant: every family has at least one version and exactly one version
// with is_latest = true.
type DocumentFamily struct {
	ID             uuid.UUID `json:"id"`
	CanonicalTitle string    `json:"canonical_title"`
	TitleSignature string    `json:"title_signature"`
	Category       string    `json:"category,omitempty"`
	Institution    string    `json:"institution,omitempty"`
	DocumentCount  int       `json:"document_count"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DocumentVersion is one concrete fetched instance belonging to a family.
// Version numbers are contiguous per family starting at 1; only the highest
// number carries is_latest. FamilyID is nil only for legacy rows imported
// before family grouping existed; migrate-existing adopts those.
type DocumentVersion struct {
	ID              uuid.UUID  `json:"id"`
	FamilyID        *uuid.UUID `json:"family_id,omitempty"`
	VersionNumber   int        `json:"version_number"`
	ContentHash     string     `json:"content_hash"`
	Title           string     `json:"title"`
	OriginURL       string     `json:"origin_url,omitempty"`
	SourceID        *uuid.UUID `json:"source_id,omitempty"`
	DatasourceID    *uuid.UUID `json:"datasource_id,omitempty"`
	Provenance      string     `json:"provenance"`
	FileType        string     `json:"file_type,omitempty"`
	MatchedKeywords []string   `json:"matched_keywords,omitempty"`
	ApprovalStatus  string     `json:"approval_status"`
	Approver        string     `json:"approver,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	IsLatest        bool       `json:"is_latest"`
	UploadedAt      time.Time  `json:"uploaded_at"`
}
