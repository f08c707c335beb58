package models

import (
	"time"

	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// UsedEgressRecord marks a proxy session token as consumed for a campaign.
// Invariant: for a given campaign no two records share the same session
// token within a rolling 24-hour window. Rows older than 24 hours are
// periodically purged.
type UsedEgressRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CampaignID   uint      `gorm:"not null;index:idx_used_egress_campaign_token" json:"campaign_id"`
	ProviderID   uint      `gorm:"not null" json:"provider_id"`
	CountryCode  string    `gorm:"size:2;not null" json:"country_code"`
	SessionToken string    `gorm:"size:64;not null;index:idx_used_egress_campaign_token" json:"session_token"`
	UsedAt       time.Time `gorm:"not null;index:idx_used_egress_used_at" json:"used_at"`

	// Relations
	Provider *EgressProvider `gorm:"foreignKey:ProviderID;references:ID" json:"provider,omitempty"`
}

// TableName returns the table name for the model
func (UsedEgressRecord) TableName() string {
	return "used_egress_records"
}

// BeforeCreate is called before creating a new record
func (r *UsedEgressRecord) BeforeCreate(tx *gorm.DB) error {
	if r.UsedAt.IsZero() {
		r.UsedAt = utils.UTCNow()
	}
	return nil
}

// UsedEgressRecordFilter represents filter criteria for used egress records
type UsedEgressRecordFilter struct {
	ID           *uint      `json:"id,omitempty"`
	CampaignID   *uint      `json:"campaign_id,omitempty"`
	ProviderID   *uint      `json:"provider_id,omitempty"`
	SessionToken *string    `json:"session_token,omitempty"`
	UsedAfter    *time.Time `json:"used_after,omitempty"`
	UsedBefore   *time.Time `json:"used_before,omitempty"`
}
