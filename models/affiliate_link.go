package models

import (
	"time"

	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// AffiliateLink holds the per-campaign affiliate URL configuration consumed
// by the redirect tracer. Owned by the configuration endpoints; the pipeline
// only reads it.
type AffiliateLink struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	CampaignID   uint       `gorm:"not null;uniqueIndex:uk_affiliate_links_campaign_id" json:"campaign_id"`
	AffiliateURL string     `gorm:"type:text;not null" json:"affiliate_url"`
	TargetDomain string     `gorm:"size:255;not null" json:"target_domain"`
	MaxRedirects int        `gorm:"not null;default:10" json:"max_redirects"`
	Priority     int        `gorm:"not null;default:0" json:"priority"`
	IsEnabled    bool       `gorm:"not null;default:true" json:"is_enabled"`
	CreatedAt    time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (AffiliateLink) TableName() string {
	return "affiliate_links"
}

// BeforeCreate is called before creating a new record
func (l *AffiliateLink) BeforeCreate(tx *gorm.DB) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = utils.UTCNow()
	}
	if l.MaxRedirects <= 0 {
		l.MaxRedirects = 10
	}
	return nil
}

// AffiliateLinkFilter represents filter criteria for affiliate links
type AffiliateLinkFilter struct {
	ID         *uint `json:"id,omitempty"`
	CampaignID *uint `json:"campaign_id,omitempty"`
	IsEnabled  *bool `json:"is_enabled,omitempty"`
}
