package repository

import (
	"context"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// EgressProviderRepositoryImpl implements EgressProviderRepository
type EgressProviderRepositoryImpl struct {
	*BaseRepository[models.EgressProvider, models.EgressProviderFilter]
}

func NewEgressProviderRepository(db *gorm.DB) EgressProviderRepository {
	return &EgressProviderRepositoryImpl{BaseRepository: NewBaseRepository[models.EgressProvider, models.EgressProviderFilter](db)}
}

func (r *EgressProviderRepositoryImpl) applyFilter(db *gorm.DB, f models.EgressProviderFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.Name != nil {
		db = db.Where("name = ?", *f.Name)
	}
	if f.IsEnabled != nil {
		db = db.Where("is_enabled = ?", *f.IsEnabled)
	}
	return db
}

func (r *EgressProviderRepositoryImpl) ByFilter(ctx context.Context, filter models.EgressProviderFilter, orderBy string, limit, offset int) ([]*models.EgressProvider, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.EgressProvider{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.EgressProvider
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListEnabledByPriority returns all enabled providers in failover order.
func (r *EgressProviderRepositoryImpl) ListEnabledByPriority(ctx context.Context) ([]*models.EgressProvider, error) {
	return r.ByFilter(ctx, models.EgressProviderFilter{IsEnabled: utils.ToPtr(true)}, "priority ASC, id ASC", 0, 0)
}
