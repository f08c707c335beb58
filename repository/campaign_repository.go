package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// CampaignRepositoryImpl implements CampaignRepository
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db)}
}

func (r *CampaignRepositoryImpl) applyFilter(db *gorm.DB, f models.CampaignFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.ExternalCampaignID != nil {
		db = db.Where("external_campaign_id = ?", *f.ExternalCampaignID)
	}
	if f.ParentAccountID != nil {
		db = db.Where("parent_account_id = ?", *f.ParentAccountID)
	}
	if f.CountryCode != nil {
		db = db.Where("country_code = ?", *f.CountryCode)
	}
	if f.IsEnabled != nil {
		db = db.Where("is_enabled = ?", *f.IsEnabled)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Campaign{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Campaign
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListRunnable returns enabled, non-deleted campaigns of the tenant that
// have an enabled affiliate link, ordered by the link priority.
func (r *CampaignRepositoryImpl) ListRunnable(ctx context.Context, tenantID uint) ([]*models.Campaign, error) {
	db := r.getDB(ctx)
	var rows []*models.Campaign
	err := db.Model(&models.Campaign{}).
		Joins("JOIN affiliate_links ON affiliate_links.campaign_id = campaigns.id").
		Where("campaigns.tenant_id = ?", tenantID).
		Where("campaigns.is_enabled = ?", true).
		Where("affiliate_links.is_enabled = ?", true).
		Preload("AffiliateLink").
		Order("affiliate_links.priority ASC, campaigns.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateClickState persists the post-replacement click state. Callers run it
// inside WithTransaction together with the UsedEgressRecord insert.
func (r *CampaignRepositoryImpl) UpdateClickState(ctx context.Context, campaignID uint, lastClicks int64, resolvedURL string, replacedAt time.Time) error {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	result := db.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]any{
			"last_clicks":         lastClicks,
			"last_resolved_url":   resolvedURL,
			"last_replacement_at": replacedAt,
			"replacements_today":  gorm.Expr("replacements_today + 1"),
			"updated_at":          utils.UTCNow(),
		})
	if result.Error != nil {
		err = result.Error
		return err
	}
	if result.RowsAffected == 0 {
		err = errors.New("campaign not found with ID: " + strconv.Itoa(int(campaignID)))
		return err
	}
	return nil
}

// ResetLastClicks zeroes the stored counter when a cross-day reset is
// detected. Best-effort at the call site; a failure must not abort the run.
func (r *CampaignRepositoryImpl) ResetLastClicks(ctx context.Context, campaignID uint) error {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}

	err = db.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]any{
			"last_clicks":        0,
			"replacements_today": 0,
			"updated_at":         utils.UTCNow(),
		}).Error
	return err
}
