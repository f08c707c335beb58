package repository

import (
	"context"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// UsedEgressRecordRepositoryImpl implements UsedEgressRecordRepository
type UsedEgressRecordRepositoryImpl struct {
	*BaseRepository[models.UsedEgressRecord, models.UsedEgressRecordFilter]
}

func NewUsedEgressRecordRepository(db *gorm.DB) UsedEgressRecordRepository {
	return &UsedEgressRecordRepositoryImpl{BaseRepository: NewBaseRepository[models.UsedEgressRecord, models.UsedEgressRecordFilter](db)}
}

func (r *UsedEgressRecordRepositoryImpl) applyFilter(db *gorm.DB, f models.UsedEgressRecordFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.ProviderID != nil {
		db = db.Where("provider_id = ?", *f.ProviderID)
	}
	if f.SessionToken != nil {
		db = db.Where("session_token = ?", *f.SessionToken)
	}
	if f.UsedAfter != nil {
		db = db.Where("used_at >= ?", *f.UsedAfter)
	}
	if f.UsedBefore != nil {
		db = db.Where("used_at < ?", *f.UsedBefore)
	}
	return db
}

func (r *UsedEgressRecordRepositoryImpl) ByFilter(ctx context.Context, filter models.UsedEgressRecordFilter, orderBy string, limit, offset int) ([]*models.UsedEgressRecord, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.UsedEgressRecord{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.UsedEgressRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TokenUsedWithin reports whether the session token was already consumed for
// this campaign inside the rolling window. This is the dedup invariant check.
func (r *UsedEgressRecordRepositoryImpl) TokenUsedWithin(ctx context.Context, campaignID uint, sessionToken string, window time.Duration) (bool, error) {
	db := r.getDB(ctx)
	var count int64
	err := db.Model(&models.UsedEgressRecord{}).
		Where("campaign_id = ?", campaignID).
		Where("session_token = ?", sessionToken).
		Where("used_at >= ?", utils.UTCNow().Add(-window)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// PurgeOlderThan deletes records whose usage fell out of the dedup window.
func (r *UsedEgressRecordRepositoryImpl) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
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

	result := db.Where("used_at < ?", cutoff).Delete(&models.UsedEgressRecord{})
	if result.Error != nil {
		err = result.Error
		return 0, err
	}
	return result.RowsAffected, nil
}
