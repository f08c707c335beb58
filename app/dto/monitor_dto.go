package dto

import "time"

// ListExecutionsQuery is the pagination query for batch execution history.
type ListExecutionsQuery struct {
	Limit  int `query:"limit" validate:"min=0,max=500"`
	Offset int `query:"offset" validate:"min=0"`
}

// CampaignStateResponse exposes a campaign's click-tracking state.
type CampaignStateResponse struct {
	CampaignID        uint       `json:"campaign_id"`
	ExternalID        string     `json:"external_id"`
	LastClicks        int64      `json:"last_clicks"`
	LastResolvedURL   *string    `json:"last_resolved_url,omitempty"`
	LastReplacementAt *time.Time `json:"last_replacement_at,omitempty"`
	ReplacementsToday int64      `json:"replacements_today"`
	IsEnabled         bool       `json:"is_enabled"`
}

// RunNowResponse confirms that a tenant's schedule was made immediately due.
type RunNowResponse struct {
	TenantID  uint      `json:"tenant_id"`
	NextRunAt time.Time `json:"next_run_at"`
}
