package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/amirphl/Susanoo/app/middleware"
	"github.com/amirphl/Susanoo/app/services"
	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/repository"
	"github.com/amirphl/Susanoo/utils"
	"gorm.io/gorm"
)

// AdsGateway is the orchestrator's view of the ads API client.
type AdsGateway interface {
	Query(ctx context.Context, parentAccountID string, accountIDs []string) ([]services.CampaignClicks, error)
	Mutate(ctx context.Context, ops []services.FinalURLUpdate) (map[string]services.MutateOutcome, error)
}

// EgressPool is the orchestrator's view of the proxy pool.
type EgressPool interface {
	Acquire(ctx context.Context, campaignID uint, countryCode string) (*services.EgressSession, error)
	RecordUsage(ctx context.Context, session *services.EgressSession, campaignID uint) error
}

// LinkTracer is the orchestrator's view of the redirect tracer.
type LinkTracer interface {
	Trace(ctx context.Context, startURL string, client *http.Client, referrer, targetDomain string, maxHops int) (*services.TraceResult, error)
}

// OrchestratorConfig bounds the parallelism of one batch run.
type OrchestratorConfig struct {
	QueryConcurrency int
	WorkerPoolSize   int
	CampaignTimeout  time.Duration
}

// Orchestrator executes one full link-replacement run for a tenant: click
// query, per-campaign pipeline, grouped mutate push, and the batch record.
type Orchestrator struct {
	db        *gorm.DB
	campaigns repository.CampaignRepository
	batches   repository.BatchExecutionRepository
	audits    repository.AuditLogRepository
	ads       AdsGateway
	proxies   EgressPool
	tracer    LinkTracer
	cfg       OrchestratorConfig
	logger    *log.Logger

	// runTx wraps the per-campaign state commit; swapped out in tests.
	runTx func(context.Context, func(context.Context) error) error
}

func NewOrchestrator(
	db *gorm.DB,
	campaigns repository.CampaignRepository,
	batches repository.BatchExecutionRepository,
	audits repository.AuditLogRepository,
	ads AdsGateway,
	proxies EgressPool,
	tracer LinkTracer,
	cfg OrchestratorConfig,
	logger *log.Logger,
) *Orchestrator {
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = 3
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	if cfg.CampaignTimeout <= 0 {
		cfg.CampaignTimeout = 2 * time.Minute
	}
	o := &Orchestrator{
		db:        db,
		campaigns: campaigns,
		batches:   batches,
		audits:    audits,
		ads:       ads,
		proxies:   proxies,
		tracer:    tracer,
		cfg:       cfg,
		logger:    logger,
	}
	o.runTx = func(ctx context.Context, fn func(context.Context) error) error {
		return repository.WithTransaction(ctx, o.db, fn)
	}
	return o
}

// campaignResult pairs a campaign's outcome with its pending mutate op.
type campaignResult struct {
	campaign *models.Campaign
	outcome  models.CampaignOutcome
	mutateOp *services.FinalURLUpdate
}

// RunForTenant executes one batch run. Per-campaign failures are folded into
// the outcome list and never abort the run; only infrastructure failures
// (campaign listing, batch persistence) surface as errors.
func (o *Orchestrator) RunForTenant(ctx context.Context, tenantID uint) (*models.BatchExecution, error) {
	started := utils.UTCNow()

	campaigns, err := o.campaigns.ListRunnable(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list runnable campaigns for tenant %d: %w", tenantID, err)
	}
	if o.logger != nil {
		o.logger.Printf("[Orchestrator] tenant %d: starting run over %d campaigns", tenantID, len(campaigns))
	}

	clicks, queryErrs := o.queryClicks(ctx, campaigns)
	results := o.processCampaigns(ctx, campaigns, clicks, queryErrs)
	o.pushMutations(ctx, results)

	batch := o.buildBatch(tenantID, started, results)
	if err := o.batches.Save(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist batch execution for tenant %d: %w", tenantID, err)
	}
	o.writeAuditRows(ctx, batch, results)

	middleware.RecordBatchRun(batch.Status.String(), time.Duration(batch.DurationMs)*time.Millisecond)
	if o.logger != nil {
		o.logger.Printf("[Orchestrator] tenant %d: run %s finished status=%s processed=%d updated=%d skipped=%d errors=%d in %dms",
			tenantID, batch.UUID, batch.Status, batch.Processed, batch.Updated, batch.Skipped, batch.Errors, batch.DurationMs)
	}
	return batch, nil
}

// queryClicks fetches today's counters grouped by parent account, with
// bounded parallelism across parents. A failed parent poisons only its own
// campaigns.
func (o *Orchestrator) queryClicks(ctx context.Context, campaigns []*models.Campaign) (map[string]int64, map[string]error) {
	byParent := make(map[string][]string)
	seen := make(map[string]bool)
	for _, c := range campaigns {
		key := c.ParentAccountID + "/" + c.ExternalAccountID
		if !seen[key] {
			seen[key] = true
			byParent[c.ParentAccountID] = append(byParent[c.ParentAccountID], c.ExternalAccountID)
		}
	}

	var (
		mu        sync.Mutex
		clicks    = make(map[string]int64)
		parentErr = make(map[string]error)
		wg        sync.WaitGroup
		sem       = make(chan struct{}, o.cfg.QueryConcurrency)
	)
	for parentID, accountIDs := range byParent {
		wg.Add(1)
		go func(parentID string, accountIDs []string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rows, err := o.ads.Query(ctx, parentID, accountIDs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				parentErr[parentID] = err
				return
			}
			for _, row := range rows {
				clicks[row.ExternalCampaignID] = row.TodayClicks
			}
		}(parentID, accountIDs)
	}
	wg.Wait()
	return clicks, parentErr
}

// processCampaigns runs the per-campaign pipeline through a bounded worker
// pool and returns results in input order.
func (o *Orchestrator) processCampaigns(ctx context.Context, campaigns []*models.Campaign, clicks map[string]int64, queryErrs map[string]error) []*campaignResult {
	results := make([]*campaignResult, len(campaigns))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < o.cfg.WorkerPoolSize; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.processOne(ctx, campaigns[idx], clicks, queryErrs)
			}
		}()
	}
	for idx := range campaigns {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	return results
}

// processOne runs detection, proxy sourcing, tracing and the state
// transaction for a single campaign.
func (o *Orchestrator) processOne(ctx context.Context, campaign *models.Campaign, clicks map[string]int64, queryErrs map[string]error) *campaignResult {
	start := time.Now()
	result := &campaignResult{campaign: campaign}
	defer func() {
		result.outcome.CampaignID = campaign.ID
		result.outcome.DurationMs = time.Since(start).Milliseconds()
		middleware.RecordCampaignOutcome(string(result.outcome.Status))
	}()

	if err := queryErrs[campaign.ParentAccountID]; err != nil {
		result.outcome = errorOutcome(fmt.Sprintf("click query failed: %v", err))
		return result
	}
	today, ok := clicks[campaign.ExternalCampaignID]
	if !ok {
		result.outcome = errorOutcome("campaign missing from click query response")
		return result
	}

	decision := EvaluateClickDelta(campaign.LastClicks, today)
	if decision.CrossDayReset {
		// Best effort: the in-memory decision already proceeds from zero.
		if err := o.campaigns.ResetLastClicks(ctx, campaign.ID); err != nil && o.logger != nil {
			o.logger.Printf("[Orchestrator] campaign %d: cross-day baseline reset failed: %v", campaign.ID, err)
		}
	}
	if !decision.Proceed {
		result.outcome = models.CampaignOutcome{Status: models.OutcomeStatusSkipped, Reason: decision.SkipReason}
		return result
	}
	result.outcome.DeltaClicks = decision.Delta

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.CampaignTimeout)
	defer cancel()

	session, err := o.proxies.Acquire(runCtx, campaign.ID, campaign.CountryCode)
	if err != nil {
		if errors.Is(err, services.ErrNoProxyAvailable) {
			middleware.RecordProxyExhaustion()
		}
		result.outcome = errorOutcome(fmt.Sprintf("proxy sourcing failed: %v", err))
		result.outcome.DeltaClicks = decision.Delta
		return result
	}

	link := campaign.AffiliateLink
	trace, err := o.tracer.Trace(runCtx, link.AffiliateURL, session.Client, campaign.Referrer, link.TargetDomain, link.MaxRedirects)
	if err != nil {
		result.outcome = errorOutcome(fmt.Sprintf("redirect trace failed: %v", err))
		result.outcome.DeltaClicks = decision.Delta
		result.outcome.ProviderUsed = session.Provider.Name
		return result
	}

	// Click state, resolved URL and the session dedup record commit
	// together or not at all.
	replacedAt := utils.UTCNow()
	err = o.runTx(ctx, func(txCtx context.Context) error {
		if err := o.campaigns.UpdateClickState(txCtx, campaign.ID, today, trace.FinalURL, replacedAt); err != nil {
			return err
		}
		return o.proxies.RecordUsage(txCtx, session, campaign.ID)
	})
	if err != nil {
		result.outcome = errorOutcome(fmt.Sprintf("persist click state failed: %v", err))
		result.outcome.DeltaClicks = decision.Delta
		result.outcome.ProviderUsed = session.Provider.Name
		return result
	}

	result.outcome = models.CampaignOutcome{
		Status:       models.OutcomeStatusUpdated,
		DeltaClicks:  decision.Delta,
		FinalURL:     trace.FinalURL,
		Matched:      trace.Matched,
		Hops:         trace.Hops,
		ProviderUsed: session.Provider.Name,
	}
	if !trace.Matched {
		result.outcome.Reason = fmt.Sprintf("final domain %s did not match target %s", trace.FinalDomain, link.TargetDomain)
	}
	result.mutateOp = &services.FinalURLUpdate{
		ExternalCampaignID: campaign.ExternalCampaignID,
		ExternalAccountID:  campaign.ExternalAccountID,
		ParentAccountID:    campaign.ParentAccountID,
		FinalURLSuffix:     finalURLSuffix(trace.FinalURL),
	}
	return result
}

// finalURLSuffix extracts the tracking parameters of the resolved URL; only
// the query suffix is pushed to the ads platform, never the whole URL.
func finalURLSuffix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.RawQuery
}

// pushMutations sends the accumulated final-URL updates in one grouped
// mutate and back-fills per-campaign push results.
func (o *Orchestrator) pushMutations(ctx context.Context, results []*campaignResult) {
	var ops []services.FinalURLUpdate
	byExternalID := make(map[string]*campaignResult)
	for _, r := range results {
		if r.mutateOp != nil {
			ops = append(ops, *r.mutateOp)
			byExternalID[r.mutateOp.ExternalCampaignID] = r
		}
	}
	if len(ops) == 0 {
		return
	}

	outcomes, err := o.ads.Mutate(ctx, ops)
	if err != nil {
		for _, r := range byExternalID {
			r.outcome.Status = models.OutcomeStatusError
			r.outcome.Reason = fmt.Sprintf("final url push failed: %v", err)
		}
		return
	}
	for externalID, r := range byExternalID {
		mo, ok := outcomes[externalID]
		switch {
		case ok && mo.Success:
			r.outcome.PushedToAds = true
		case ok:
			r.outcome.Status = models.OutcomeStatusError
			r.outcome.Reason = fmt.Sprintf("final url push failed: %s", mo.Error)
		default:
			r.outcome.Status = models.OutcomeStatusError
			r.outcome.Reason = "final url push returned no outcome"
		}
	}
}

func (o *Orchestrator) buildBatch(tenantID uint, started time.Time, results []*campaignResult) *models.BatchExecution {
	batch := &models.BatchExecution{
		TenantID:  tenantID,
		StartedAt: started,
	}
	for _, r := range results {
		batch.Processed++
		batch.Outcomes = append(batch.Outcomes, r.outcome)
		switch r.outcome.Status {
		case models.OutcomeStatusUpdated:
			batch.Updated++
		case models.OutcomeStatusSkipped:
			batch.Skipped++
		default:
			batch.Errors++
		}
	}

	switch {
	case batch.Errors == 0:
		batch.Status = models.RunStatusSuccess
	case batch.Updated > 0 || batch.Skipped > 0:
		batch.Status = models.RunStatusPartial
	default:
		batch.Status = models.RunStatusFailed
	}

	batch.FinishedAt = utils.UTCNow()
	batch.DurationMs = batch.FinishedAt.Sub(started).Milliseconds()
	return batch
}

// writeAuditRows records one row per attempted replacement plus a batch
// summary row. Audit persistence is best effort; a failure here must not
// fail an already-recorded run.
func (o *Orchestrator) writeAuditRows(ctx context.Context, batch *models.BatchExecution, results []*campaignResult) {
	batchUUID := batch.UUID.String()
	var rows []*models.AuditLog

	for _, r := range results {
		if r.outcome.Status == models.OutcomeStatusSkipped {
			continue
		}
		row := &models.AuditLog{
			TenantID:   &batch.TenantID,
			CampaignID: &r.campaign.ID,
			BatchUUID:  &batchUUID,
		}
		meta, _ := json.Marshal(map[string]any{
			"delta_clicks": r.outcome.DeltaClicks,
			"final_url":    r.outcome.FinalURL,
			"matched":      r.outcome.Matched,
			"hops":         r.outcome.Hops,
			"provider":     r.outcome.ProviderUsed,
		})
		row.Metadata = meta

		if r.outcome.Status == models.OutcomeStatusUpdated {
			row.Action = models.AuditActionLinkReplaced
			row.Success = utils.ToPtr(true)
			row.Description = utils.ToPtr(fmt.Sprintf("link replaced after %d new clicks", r.outcome.DeltaClicks))
		} else {
			row.Action = models.AuditActionReplacementFailed
			row.Success = utils.ToPtr(false)
			row.ErrorMessage = utils.ToPtr(r.outcome.Reason)
		}
		rows = append(rows, row)
	}

	summaryMeta, _ := json.Marshal(map[string]any{
		"processed": batch.Processed,
		"updated":   batch.Updated,
		"skipped":   batch.Skipped,
		"errors":    batch.Errors,
	})
	rows = append(rows, &models.AuditLog{
		TenantID:  &batch.TenantID,
		Action:    models.AuditActionBatchCompleted,
		BatchUUID: &batchUUID,
		Metadata:  summaryMeta,
		Success:   utils.ToPtr(batch.Status != models.RunStatusFailed),
	})

	if err := o.audits.SaveBatch(ctx, rows); err != nil && o.logger != nil {
		o.logger.Printf("[Orchestrator] batch %s: audit write failed: %v", batchUUID, err)
	}
}

func errorOutcome(reason string) models.CampaignOutcome {
	return models.CampaignOutcome{Status: models.OutcomeStatusError, Reason: reason}
}
