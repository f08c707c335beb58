package repository

import (
	"context"

	"github.com/amirphl/Susanoo/models"
	"gorm.io/gorm"
)

// AffiliateLinkRepositoryImpl implements AffiliateLinkRepository
type AffiliateLinkRepositoryImpl struct {
	*BaseRepository[models.AffiliateLink, models.AffiliateLinkFilter]
}

func NewAffiliateLinkRepository(db *gorm.DB) AffiliateLinkRepository {
	return &AffiliateLinkRepositoryImpl{BaseRepository: NewBaseRepository[models.AffiliateLink, models.AffiliateLinkFilter](db)}
}

func (r *AffiliateLinkRepositoryImpl) applyFilter(db *gorm.DB, f models.AffiliateLinkFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.IsEnabled != nil {
		db = db.Where("is_enabled = ?", *f.IsEnabled)
	}
	return db
}

func (r *AffiliateLinkRepositoryImpl) ByFilter(ctx context.Context, filter models.AffiliateLinkFilter, orderBy string, limit, offset int) ([]*models.AffiliateLink, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.AffiliateLink{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.AffiliateLink
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AffiliateLinkRepositoryImpl) ByCampaignID(ctx context.Context, campaignID uint) (*models.AffiliateLink, error) {
	rows, err := r.ByFilter(ctx, models.AffiliateLinkFilter{CampaignID: &campaignID}, "id DESC", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
