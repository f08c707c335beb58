package models

import (
	"time"

	"github.com/amirphl/Susanoo/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Campaign represents a monitored advertising campaign whose destination
// link is replaced whenever new click activity is detected.
type Campaign struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UUID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`
	TenantID uint      `gorm:"not null;index:idx_campaigns_tenant_id" json:"tenant_id"`

	// Identifiers on the external advertising platform
	ExternalCampaignID string `gorm:"size:64;not null;index:idx_campaigns_external_id" json:"external_campaign_id"`
	ExternalAccountID  string `gorm:"size:64;not null" json:"external_account_id"`
	ParentAccountID    string `gorm:"size:64;not null;index:idx_campaigns_parent_account" json:"parent_account_id"`

	CountryCode string `gorm:"size:2;not null" json:"country_code"`
	Referrer    string `gorm:"type:text" json:"referrer"`

	// Click-tracking state, mutated only by the batch orchestrator
	LastClicks        int64      `gorm:"not null;default:0" json:"last_clicks"`
	TodayClicks       int64      `gorm:"not null;default:0" json:"today_clicks"`
	LastResolvedURL   *string    `gorm:"type:text" json:"last_resolved_url,omitempty"`
	LastReplacementAt *time.Time `json:"last_replacement_at,omitempty"`
	ReplacementsToday int64      `gorm:"not null;default:0" json:"replacements_today"`

	IsEnabled bool           `gorm:"not null;default:true;index:idx_campaigns_is_enabled" json:"is_enabled"`
	DeletedAt gorm.DeletedAt `gorm:"index:idx_campaigns_deleted_at" json:"-"`
	CreatedAt time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`

	// Relations
	AffiliateLink *AffiliateLink `gorm:"foreignKey:CampaignID" json:"affiliate_link,omitempty"`
}

// TableName returns the table name for the model
func (Campaign) TableName() string {
	return "campaigns"
}

// BeforeCreate is called before creating a new record
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (c *Campaign) BeforeUpdate(tx *gorm.DB) error {
	now := utils.UTCNow()
	c.UpdatedAt = &now
	return nil
}

// IsRunnable reports whether the campaign should be picked up by a batch run.
func (c *Campaign) IsRunnable() bool {
	return c.IsEnabled && c.AffiliateLink != nil && c.AffiliateLink.IsEnabled
}

// CampaignFilter represents filter criteria for campaigns
type CampaignFilter struct {
	ID                 *uint      `json:"id,omitempty"`
	UUID               *uuid.UUID `json:"uuid,omitempty"`
	TenantID           *uint      `json:"tenant_id,omitempty"`
	ExternalCampaignID *string    `json:"external_campaign_id,omitempty"`
	ParentAccountID    *string    `json:"parent_account_id,omitempty"`
	CountryCode        *string    `json:"country_code,omitempty"`
	IsEnabled          *bool      `json:"is_enabled,omitempty"`
	CreatedAfter       *time.Time `json:"created_after,omitempty"`
	CreatedBefore      *time.Time `json:"created_before,omitempty"`
}
