// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/Susanoo/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
}

// CampaignRepository defines operations for monitored campaigns
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	ListRunnable(ctx context.Context, tenantID uint) ([]*models.Campaign, error)
	UpdateClickState(ctx context.Context, campaignID uint, lastClicks int64, resolvedURL string, replacedAt time.Time) error
	ResetLastClicks(ctx context.Context, campaignID uint) error
}

// AffiliateLinkRepository defines operations for affiliate link configs
type AffiliateLinkRepository interface {
	Repository[models.AffiliateLink, models.AffiliateLinkFilter]
	ByCampaignID(ctx context.Context, campaignID uint) (*models.AffiliateLink, error)
}

// EgressProviderRepository defines operations for proxy providers
type EgressProviderRepository interface {
	Repository[models.EgressProvider, models.EgressProviderFilter]
	ListEnabledByPriority(ctx context.Context) ([]*models.EgressProvider, error)
}

// UsedEgressRecordRepository defines operations for the 24h session dedup window
type UsedEgressRecordRepository interface {
	Repository[models.UsedEgressRecord, models.UsedEgressRecordFilter]
	TokenUsedWithin(ctx context.Context, campaignID uint, sessionToken string, window time.Duration) (bool, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TenantScheduleRepository defines operations for per-tenant run scheduling
type TenantScheduleRepository interface {
	Repository[models.TenantSchedule, models.TenantScheduleFilter]
	ByTenantID(ctx context.Context, tenantID uint) (*models.TenantSchedule, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.TenantSchedule, error)
	AcquireLock(ctx context.Context, tenantID uint, lockedBy string, until time.Time) (bool, error)
	ReleaseLock(ctx context.Context, tenantID uint, lockedBy string) error
	CompleteRun(ctx context.Context, tenantID uint, status models.RunStatus, runErr *string, duration time.Duration, nextRunAt time.Time) error
	ForceRunNow(ctx context.Context, tenantID uint) (bool, error)
}

// BatchExecutionRepository defines operations for batch execution records
type BatchExecutionRepository interface {
	Repository[models.BatchExecution, models.BatchExecutionFilter]
	ListByTenant(ctx context.Context, tenantID uint, limit, offset int) ([]*models.BatchExecution, error)
}

// AuditLogRepository defines operations for audit logs
type AuditLogRepository interface {
	Repository[models.AuditLog, models.AuditLogFilter]
	ListByCampaign(ctx context.Context, campaignID uint, limit, offset int) ([]*models.AuditLog, error)
}
