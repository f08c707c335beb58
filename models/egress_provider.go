package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/Susanoo/utils"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// SessionAlphabet selects the character set used for generated proxy
// session tokens.
type SessionAlphabet string

const (
	SessionAlphabetDigits SessionAlphabet = "digits"
	SessionAlphabetAlnum  SessionAlphabet = "alnum"
)

// String returns the string representation of the alphabet
func (a SessionAlphabet) String() string {
	return string(a)
}

// Valid checks if the alphabet is valid
func (a SessionAlphabet) Valid() bool {
	switch a {
	case SessionAlphabetDigits, SessionAlphabetAlnum:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for SessionAlphabet
func (a *SessionAlphabet) Scan(value any) error {
	if value == nil {
		*a = SessionAlphabetDigits
		return nil
	}
	switch v := value.(type) {
	case string:
		*a = SessionAlphabet(v)
	case []byte:
		*a = SessionAlphabet(string(v))
	default:
		return fmt.Errorf("cannot scan %T into SessionAlphabet", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for SessionAlphabet
func (a SessionAlphabet) Value() (driver.Value, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid SessionAlphabet: %s", a)
	}
	return string(a), nil
}

// EgressProvider describes one rotating-proxy provider. Username and password
// are stored as templates; placeholders are expanded per sourcing attempt
// with the target country code and a freshly drawn session token.
// Immutable during a pipeline run.
type EgressProvider struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	Name             string          `gorm:"size:64;not null;uniqueIndex:uk_egress_providers_name" json:"name"`
	Host             string          `gorm:"size:255;not null" json:"host"`
	Port             int             `gorm:"not null" json:"port"`
	UsernameTemplate string          `gorm:"type:text;not null" json:"username_template"`
	PasswordTemplate string          `gorm:"type:text;not null" json:"password_template"`
	SessionLength    int             `gorm:"not null;default:8" json:"session_length"`
	SessionAlphabet  SessionAlphabet `gorm:"type:session_alphabet_enum;not null;default:'digits'" json:"session_alphabet"`
	Countries        pq.StringArray  `gorm:"type:text[]" json:"countries,omitempty"`
	Priority         int             `gorm:"not null;default:0;index:idx_egress_providers_priority" json:"priority"`
	IsEnabled        bool            `gorm:"not null;default:true" json:"is_enabled"`
	CreatedAt        time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty"`
}

// TableName returns the table name for the model
func (EgressProvider) TableName() string {
	return "egress_providers"
}

// SupportsCountry reports whether the provider can source traffic for the
// given country. An empty allowlist means every country is supported.
func (p *EgressProvider) SupportsCountry(countryCode string) bool {
	if len(p.Countries) == 0 {
		return true
	}
	for _, c := range p.Countries {
		if strings.EqualFold(c, countryCode) {
			return true
		}
	}
	return false
}

// BeforeCreate is called before creating a new record
func (p *EgressProvider) BeforeCreate(tx *gorm.DB) error {
	if p.SessionAlphabet == "" {
		p.SessionAlphabet = SessionAlphabetDigits
	}
	if p.SessionLength <= 0 {
		p.SessionLength = 8
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = utils.UTCNow()
	}
	return nil
}

// EgressProviderFilter represents filter criteria for egress providers
type EgressProviderFilter struct {
	ID        *uint   `json:"id,omitempty"`
	Name      *string `json:"name,omitempty"`
	IsEnabled *bool   `json:"is_enabled,omitempty"`
}
