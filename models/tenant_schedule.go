package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// RunStatus represents the outcome of the last batch run for a tenant
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// String returns the string representation of the status
func (s RunStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for RunStatus
func (s *RunStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = RunStatus(v)
	case []byte:
		*s = RunStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into RunStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for RunStatus
func (s RunStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid RunStatus: %s", s)
	}
	return string(s), nil
}

// TenantSchedule tracks the monitoring cadence and run lock for one tenant.
// Invariants: at most one worker holds an unexpired lock; next_run_at always
// advances after a run regardless of its outcome.
type TenantSchedule struct {
	ID              uint `gorm:"primaryKey" json:"id"`
	TenantID        uint `gorm:"not null;uniqueIndex:uk_tenant_schedules_tenant_id" json:"tenant_id"`
	IsEnabled       bool `gorm:"not null;default:true;index:idx_tenant_schedules_is_enabled" json:"is_enabled"`
	IntervalMinutes int  `gorm:"not null;default:15" json:"interval_minutes"`

	NextRunAt   time.Time  `gorm:"not null;index:idx_tenant_schedules_next_run_at" json:"next_run_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    *string    `gorm:"size:64" json:"locked_by,omitempty"`

	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastStatus     *RunStatus `gorm:"type:run_status_enum" json:"last_status,omitempty"`
	LastError      *string    `gorm:"type:text" json:"last_error,omitempty"`
	LastDurationMs *int64     `json:"last_duration_ms,omitempty"`

	CreatedAt time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (TenantSchedule) TableName() string {
	return "tenant_schedules"
}

// BeforeCreate is called before creating a new record
func (s *TenantSchedule) BeforeCreate(tx *gorm.DB) error {
	if s.IntervalMinutes <= 0 {
		s.IntervalMinutes = 15
	}
	if s.NextRunAt.IsZero() {
		s.NextRunAt = utils.UTCNow()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = utils.UTCNow()
	}
	return nil
}

// IsLocked reports whether the schedule currently holds an unexpired lock.
func (s *TenantSchedule) IsLocked() bool {
	return s.LockedUntil != nil && s.LockedUntil.After(utils.UTCNow())
}

// Interval returns the monitoring interval as a duration.
func (s *TenantSchedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// TenantScheduleFilter represents filter criteria for tenant schedules
type TenantScheduleFilter struct {
	ID        *uint `json:"id,omitempty"`
	TenantID  *uint `json:"tenant_id,omitempty"`
	IsEnabled *bool `json:"is_enabled,omitempty"`
}
