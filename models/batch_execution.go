package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/Susanoo/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutcomeStatus classifies the result of processing one campaign in a run
type OutcomeStatus string

const (
	OutcomeStatusUpdated OutcomeStatus = "updated"
	OutcomeStatusSkipped OutcomeStatus = "skipped"
	OutcomeStatusError   OutcomeStatus = "error"
)

// CampaignOutcome is one per-campaign entry inside a batch execution record.
type CampaignOutcome struct {
	CampaignID   uint          `json:"campaign_id"`
	Status       OutcomeStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	DeltaClicks  int64         `json:"delta_clicks,omitempty"`
	FinalURL     string        `json:"final_url,omitempty"`
	Matched      bool          `json:"matched"`
	Hops         int           `json:"hops,omitempty"`
	PushedToAds  bool          `json:"pushed_to_ads"`
	DurationMs   int64         `json:"duration_ms"`
	ProviderUsed string        `json:"provider_used,omitempty"`
}

// CampaignOutcomes stores the per-campaign entries as a jsonb column.
type CampaignOutcomes []CampaignOutcome

// Value implements the driver.Valuer interface for CampaignOutcomes
func (o CampaignOutcomes) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements the sql.Scanner interface for CampaignOutcomes
func (o *CampaignOutcomes) Scan(value any) error {
	if value == nil {
		*o = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into CampaignOutcomes", value)
	}
	return json.Unmarshal(bytes, o)
}

// BatchExecution is the append-only audit record of one dispatcher-triggered
// run for a tenant. Never mutated after creation.
type BatchExecution struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_batch_executions_uuid" json:"uuid"`
	TenantID uint      `gorm:"not null;index:idx_batch_executions_tenant_id" json:"tenant_id"`
	Status   RunStatus `gorm:"type:run_status_enum;not null" json:"status"`

	Processed int `gorm:"not null;default:0" json:"processed"`
	Updated   int `gorm:"not null;default:0" json:"updated"`
	Skipped   int `gorm:"not null;default:0" json:"skipped"`
	Errors    int `gorm:"not null;default:0" json:"errors"`

	Outcomes   CampaignOutcomes `gorm:"type:jsonb" json:"outcomes,omitempty"`
	DurationMs int64            `gorm:"not null;default:0" json:"duration_ms"`
	StartedAt  time.Time        `gorm:"not null" json:"started_at"`
	FinishedAt time.Time        `gorm:"not null;index:idx_batch_executions_finished_at" json:"finished_at"`
}

// TableName returns the table name for the model
func (BatchExecution) TableName() string {
	return "batch_executions"
}

// BeforeCreate is called before creating a new record
func (b *BatchExecution) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	if b.FinishedAt.IsZero() {
		b.FinishedAt = utils.UTCNow()
	}
	return nil
}

// BatchExecutionFilter represents filter criteria for batch executions
type BatchExecutionFilter struct {
	ID             *uint      `json:"id,omitempty"`
	UUID           *uuid.UUID `json:"uuid,omitempty"`
	TenantID       *uint      `json:"tenant_id,omitempty"`
	Status         *RunStatus `json:"status,omitempty"`
	FinishedAfter  *time.Time `json:"finished_after,omitempty"`
	FinishedBefore *time.Time `json:"finished_before,omitempty"`
}
