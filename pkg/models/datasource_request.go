package models

import (
	"time"

	"github.com/google/uuid"
)

// DataSourceRequest lifecycle states.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestActive   = "active"
	RequestRejected = "rejected"
	RequestFailed   = "failed"
)

// Data classification levels for registered external databases.
const (
	ClassificationPublic        = "public"
	ClassificationEducational   = "educational"
	ClassificationInstitutional = "institutional"
	ClassificationConfidential  = "confidential"
)

// MinRejectionReasonLen is the minimum length of a rejection reason.
const MinRejectionReasonLen = 10

// DataSourceRequest is an administrator-registered external database treated
// as a document feed. The password is stored encrypted and never appears on
// this struct; repositories hand it to the service layer separately.
type DataSourceRequest struct {
	ID              uuid.UUID `json:"id"`
	Requester       string    `json:"requester"`
	Classification  string    `json:"classification"`
	Name            string    `json:"name"`
	DBType          string    `json:"db_type"` // "postgres" or "sqlserver"
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	DatabaseName    string    `json:"database_name"`
	Username        string    `json:"username"`
	TableName       string    `json:"table_name"`
	ContentColumn   string    `json:"content_column"`
	FilenameColumn  string    `json:"filename_column"`
	Status          string    `json:"status"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	Approver        string    `json:"approver,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ValidClassification reports whether c is a known classification level.
func ValidClassification(c string) bool {
	switch c {
	case ClassificationPublic, ClassificationEducational, ClassificationInstitutional, ClassificationConfidential:
		return true
	}
	return false
}

// CanTransition reports whether the request status machine allows from → to.
// rejected is terminal; failed can be returned to active by a successful
// admin-triggered re-sync.
func CanTransition(from, to string) bool {
	switch from {
	case RequestPending:
		return to == RequestApproved || to == RequestRejected
	case RequestApproved:
		return to == RequestActive || to == RequestFailed
	case RequestActive:
		return to == RequestFailed
	case RequestFailed:
		return to == RequestActive
	}
	return false
}
