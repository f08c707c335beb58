package repository

import (
	"context"

	"github.com/amirphl/Susanoo/models"
	"gorm.io/gorm"
)

// BatchExecutionRepositoryImpl implements BatchExecutionRepository
type BatchExecutionRepositoryImpl struct {
	*BaseRepository[models.BatchExecution, models.BatchExecutionFilter]
}

func NewBatchExecutionRepository(db *gorm.DB) BatchExecutionRepository {
	return &BatchExecutionRepositoryImpl{BaseRepository: NewBaseRepository[models.BatchExecution, models.BatchExecutionFilter](db)}
}

func (r *BatchExecutionRepositoryImpl) applyFilter(db *gorm.DB, f models.BatchExecutionFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.FinishedAfter != nil {
		db = db.Where("finished_at >= ?", *f.FinishedAfter)
	}
	if f.FinishedBefore != nil {
		db = db.Where("finished_at < ?", *f.FinishedBefore)
	}
	return db
}

func (r *BatchExecutionRepositoryImpl) ByFilter(ctx context.Context, filter models.BatchExecutionFilter, orderBy string, limit, offset int) ([]*models.BatchExecution, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.BatchExecution{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.BatchExecution
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BatchExecutionRepositoryImpl) ListByTenant(ctx context.Context, tenantID uint, limit, offset int) ([]*models.BatchExecution, error) {
	return r.ByFilter(ctx, models.BatchExecutionFilter{TenantID: &tenantID}, "finished_at DESC", limit, offset)
}
