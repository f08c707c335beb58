// Package models contains domain entities and business models for the link replacement pipeline
package models

import (
	"encoding/json"
	"time"
)

// AuditLog keeps one lightweight row per notable pipeline event, primarily
// "why was this campaign's link replaced" for historical queries.
type AuditLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	TenantID     *uint           `gorm:"index:idx_audit_tenant_id" json:"tenant_id,omitempty"`
	CampaignID   *uint           `gorm:"index:idx_audit_campaign_id" json:"campaign_id,omitempty"`
	Action       string          `gorm:"type:audit_action_enum;not null;index:idx_audit_action" json:"action"`
	Description  *string         `gorm:"type:text" json:"description,omitempty"`
	BatchUUID    *string         `gorm:"size:64;index:idx_audit_batch_uuid" json:"batch_uuid,omitempty"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool           `gorm:"default:true;index:idx_audit_success" json:"success"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Audit action constants
const (
	AuditActionLinkReplaced      = "link_replaced"
	AuditActionReplacementFailed = "replacement_failed"
	AuditActionBatchCompleted    = "batch_completed"
	AuditActionScheduleRunNow    = "schedule_run_now"
)

// AuditLogFilter represents filter criteria for audit log queries
type AuditLogFilter struct {
	ID            *uint
	TenantID      *uint
	CampaignID    *uint
	Action        *string
	Success       *bool
	BatchUUID     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func (a *AuditLog) IsFailed() bool {
	return a.Success != nil && !*a.Success
}
