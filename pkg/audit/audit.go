// Package audit emits structured audit events for approval decisions and
// credential-bearing operations. Events go to a dedicated named logger so
// they can be routed separately from application logs.
package audit

import (
	"time"

	"go.uber.org/zap"
)

// Audit event types.
const (
	EventApproval    = "approval_granted"
	EventRejection   = "approval_rejected"
	EventSyncFailure = "sync_failed"
	EventCredUse     = "credentials_used"
)

// Audit target kinds.
const (
	TargetDocument   = "document_version"
	TargetDatasource = "datasource_request"
)

// ApprovalAuditor records who approved or rejected what, and when external
// credentials were exercised. Every event carries the acting identity.
type ApprovalAuditor struct {
	logger *zap.Logger
}

// NewApprovalAuditor creates an auditor writing under the "audit" logger name.
func NewApprovalAuditor(logger *zap.Logger) *ApprovalAuditor {
	return &ApprovalAuditor{logger: logger.Named("audit")}
}

func (a *ApprovalAuditor) log(event, target, targetID string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("event", event),
		zap.String("target", target),
		zap.String("target_id", targetID),
		zap.Time("at", time.Now()),
	}
	a.logger.Info("Audit event", append(base, fields...)...)
}

// LogApproval records an approval decision.
func (a *ApprovalAuditor) LogApproval(target, targetID, approver string) {
	a.log(EventApproval, target, targetID, zap.String("approver", approver))
}

// LogRejection records a rejection decision with its reason.
func (a *ApprovalAuditor) LogRejection(target, targetID, approver, reason string) {
	a.log(EventRejection, target, targetID,
		zap.String("approver", approver),
		zap.String("reason", reason))
}

// LogSyncFailure records a failed sync and its classified category. The
// underlying error detail stays in application logs; the audit trail only
// carries the category.
func (a *ApprovalAuditor) LogSyncFailure(requestID, category string) {
	a.log(EventSyncFailure, TargetDatasource, requestID, zap.String("category", category))
}

// LogCredentialUse records that stored credentials were decrypted for a
// sync or connection test.
func (a *ApprovalAuditor) LogCredentialUse(requestID, operation string) {
	a.log(EventCredUse, TargetDatasource, requestID, zap.String("operation", operation))
}
