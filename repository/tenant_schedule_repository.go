package repository

import (
	"context"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// TenantScheduleRepositoryImpl implements TenantScheduleRepository
type TenantScheduleRepositoryImpl struct {
	*BaseRepository[models.TenantSchedule, models.TenantScheduleFilter]
}

func NewTenantScheduleRepository(db *gorm.DB) TenantScheduleRepository {
	return &TenantScheduleRepositoryImpl{BaseRepository: NewBaseRepository[models.TenantSchedule, models.TenantScheduleFilter](db)}
}

func (r *TenantScheduleRepositoryImpl) applyFilter(db *gorm.DB, f models.TenantScheduleFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.IsEnabled != nil {
		db = db.Where("is_enabled = ?", *f.IsEnabled)
	}
	return db
}

func (r *TenantScheduleRepositoryImpl) ByFilter(ctx context.Context, filter models.TenantScheduleFilter, orderBy string, limit, offset int) ([]*models.TenantSchedule, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.TenantSchedule{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.TenantSchedule
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *TenantScheduleRepositoryImpl) ByTenantID(ctx context.Context, tenantID uint) (*models.TenantSchedule, error) {
	rows, err := r.ByFilter(ctx, models.TenantScheduleFilter{TenantID: &tenantID}, "id DESC", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ListDue returns enabled schedules whose next run is due and whose lock is
// absent or expired. The actual lock acquisition still goes through
// AcquireLock; this listing is only a candidate scan.
func (r *TenantScheduleRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.TenantSchedule, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.TenantSchedule{}).
		Where("is_enabled = ?", true).
		Where("next_run_at <= ?", now).
		Where("locked_until IS NULL OR locked_until <= ?", now).
		Order("next_run_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []*models.TenantSchedule
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AcquireLock performs the optimistic lock acquisition as a single
// conditional UPDATE. It succeeds only if the lock is still absent or
// expired at update time; the affected-row count decides the winner.
func (r *TenantScheduleRepositoryImpl) AcquireLock(ctx context.Context, tenantID uint, lockedBy string, until time.Time) (bool, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
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

	now := utils.UTCNow()
	result := db.Model(&models.TenantSchedule{}).
		Where("tenant_id = ?", tenantID).
		Where("is_enabled = ?", true).
		Where("locked_until IS NULL OR locked_until <= ?", now).
		Updates(map[string]any{
			"locked_until": until,
			"locked_by":    lockedBy,
			"updated_at":   now,
		})
	if result.Error != nil {
		err = result.Error
		return false, err
	}
	return result.RowsAffected > 0, nil
}

// ReleaseLock clears the lock if still held by the given owner. Used when
// enqueueing fails after a successful acquisition.
func (r *TenantScheduleRepositoryImpl) ReleaseLock(ctx context.Context, tenantID uint, lockedBy string) error {
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

	err = db.Model(&models.TenantSchedule{}).
		Where("tenant_id = ?", tenantID).
		Where("locked_by = ?", lockedBy).
		Updates(map[string]any{
			"locked_until": nil,
			"locked_by":    nil,
			"updated_at":   utils.UTCNow(),
		}).Error
	return err
}

// CompleteRun unconditionally clears the lock and advances next_run_at,
// recording status, error and duration. The unconditional advance is what
// keeps a tenant from starving after a crash or a persistent failure.
func (r *TenantScheduleRepositoryImpl) CompleteRun(ctx context.Context, tenantID uint, status models.RunStatus, runErr *string, duration time.Duration, nextRunAt time.Time) error {
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

	now := utils.UTCNow()
	err = db.Model(&models.TenantSchedule{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"locked_until":     nil,
			"locked_by":        nil,
			"next_run_at":      nextRunAt,
			"last_run_at":      now,
			"last_status":      status,
			"last_error":       runErr,
			"last_duration_ms": duration.Milliseconds(),
			"updated_at":       now,
		}).Error
	return err
}

// ForceRunNow clears any lock and makes the schedule immediately due. Backs
// the operator "run now" endpoint.
func (r *TenantScheduleRepositoryImpl) ForceRunNow(ctx context.Context, tenantID uint) (bool, error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
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

	now := utils.UTCNow()
	result := db.Model(&models.TenantSchedule{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"locked_until": nil,
			"locked_by":    nil,
			"next_run_at":  now,
			"updated_at":   now,
		})
	if result.Error != nil {
		err = result.Error
		return false, err
	}
	return result.RowsAffected > 0, nil
}
