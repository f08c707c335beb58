// Package handlers exposes the operator HTTP endpoints for schedules,
// executions and campaign state.
package handlers

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/amirphl/Susanoo/app/dto"
	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/repository"
	"github.com/amirphl/Susanoo/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// MonitorHandlerInterface defines the operator surface contract
type MonitorHandlerInterface interface {
	RunNow(c fiber.Ctx) error
	ListExecutions(c fiber.Ctx) error
	CampaignState(c fiber.Ctx) error
}

type MonitorHandler struct {
	schedules repository.TenantScheduleRepository
	batches   repository.BatchExecutionRepository
	campaigns repository.CampaignRepository
	audits    repository.AuditLogRepository
	validator *validator.Validate
	logger    *log.Logger
}

func NewMonitorHandler(
	schedules repository.TenantScheduleRepository,
	batches repository.BatchExecutionRepository,
	campaigns repository.CampaignRepository,
	audits repository.AuditLogRepository,
	logger *log.Logger,
) MonitorHandlerInterface {
	return &MonitorHandler{
		schedules: schedules,
		batches:   batches,
		campaigns: campaigns,
		audits:    audits,
		validator: validator.New(),
		logger:    logger,
	}
}

// RunNow clears any schedule lock for the tenant and makes the next run
// immediately due. The dispatcher picks it up on its next scan.
func (h *MonitorHandler) RunNow(c fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid tenant id")
	}

	ctx, cancel := h.requestContext()
	defer cancel()

	ok, err := h.schedules.ForceRunNow(ctx, tenantID)
	if err != nil {
		h.logger.Printf("[Monitor] run-now for tenant %d failed: %v", tenantID, err)
		return internalError(c, "failed to trigger run")
	}
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
			Success: false,
			Message: "tenant schedule not found",
			Error:   dto.ErrorDetail{Code: "SCHEDULE_NOT_FOUND"},
		})
	}

	h.auditRunNow(ctx, tenantID, c.IP())

	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "run scheduled",
		Data:    dto.RunNowResponse{TenantID: tenantID, NextRunAt: utils.UTCNow()},
	})
}

// ListExecutions returns the tenant's most recent batch executions.
func (h *MonitorHandler) ListExecutions(c fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid tenant id")
	}

	query := dto.ListExecutionsQuery{Limit: 20}
	if err := c.Bind().Query(&query); err != nil {
		return badRequest(c, "invalid query parameters")
	}
	if err := h.validator.Struct(query); err != nil {
		return badRequest(c, "invalid pagination bounds")
	}

	ctx, cancel := h.requestContext()
	defer cancel()

	executions, err := h.batches.ListByTenant(ctx, tenantID, query.Limit, query.Offset)
	if err != nil {
		h.logger.Printf("[Monitor] list executions for tenant %d failed: %v", tenantID, err)
		return internalError(c, "failed to list executions")
	}

	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "executions retrieved",
		Data:    executions,
	})
}

// CampaignState returns the click counters and last replacement of one
// campaign.
func (h *MonitorHandler) CampaignState(c fiber.Ctx) error {
	campaignID, err := parseUintParam(c, "id")
	if err != nil {
		return badRequest(c, "invalid campaign id")
	}

	ctx, cancel := h.requestContext()
	defer cancel()

	campaign, err := h.campaigns.ByID(ctx, campaignID)
	if err != nil {
		h.logger.Printf("[Monitor] campaign state for %d failed: %v", campaignID, err)
		return internalError(c, "failed to load campaign")
	}
	if campaign == nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
			Success: false,
			Message: "campaign not found",
			Error:   dto.ErrorDetail{Code: "CAMPAIGN_NOT_FOUND"},
		})
	}

	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "campaign state retrieved",
		Data: dto.CampaignStateResponse{
			CampaignID:        campaign.ID,
			ExternalID:        campaign.ExternalCampaignID,
			LastClicks:        campaign.LastClicks,
			LastResolvedURL:   campaign.LastResolvedURL,
			LastReplacementAt: campaign.LastReplacementAt,
			ReplacementsToday: campaign.ReplacementsToday,
			IsEnabled:         campaign.IsEnabled,
		},
	})
}

func (h *MonitorHandler) auditRunNow(ctx context.Context, tenantID uint, requestIP string) {
	meta, _ := json.Marshal(map[string]any{"requested_from": requestIP})
	row := &models.AuditLog{
		TenantID: &tenantID,
		Action:   models.AuditActionScheduleRunNow,
		Metadata: meta,
		Success:  utils.ToPtr(true),
	}
	if err := h.audits.Save(ctx, row); err != nil {
		h.logger.Printf("[Monitor] run-now audit for tenant %d failed: %v", tenantID, err)
	}
}

func (h *MonitorHandler) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func parseUintParam(c fiber.Ctx, name string) (uint, error) {
	v, err := strconv.ParseUint(c.Params(name), 10, 32)
	return uint(v), err
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.APIResponse{
		Success: false,
		Message: msg,
		Error:   dto.ErrorDetail{Code: "BAD_REQUEST"},
	})
}

func internalError(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(dto.APIResponse{
		Success: false,
		Message: msg,
		Error:   dto.ErrorDetail{Code: "INTERNAL_ERROR"},
	})
}
