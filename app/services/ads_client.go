package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/Susanoo/utils"
)

const (
	// mutateChunkSize is the hard per-request operation cap of the ads API.
	mutateChunkSize = 100

	gatewayMaxAttempts = 3
)

// ErrQuotaExhausted marks a parent account whose API quota is spent; callers
// should not retry until the short-cache window elapses.
var ErrQuotaExhausted = errors.New("ads api quota exhausted")

// CampaignClicks is one row of the click query: lifetime-today click counter
// for one external campaign.
type CampaignClicks struct {
	ExternalCampaignID string `json:"campaign_id"`
	ExternalAccountID  string `json:"account_id"`
	TodayClicks        int64  `json:"today_clicks"`
}

// FinalURLUpdate is one pending mutate operation: set the campaign's final
// URL suffix to the query parameters of the freshly traced destination.
type FinalURLUpdate struct {
	ExternalCampaignID string
	ExternalAccountID  string
	ParentAccountID    string
	FinalURLSuffix     string
}

// MutateOutcome is the per-campaign result of a batched mutate.
type MutateOutcome struct {
	Success bool
	Error   string
}

// Throttle serializes access to the ads API. Acquire blocks until the caller
// owns the single in-flight slot; Release returns it after the configured
// inter-request delay so bursts cannot form.
type Throttle interface {
	Acquire(ctx context.Context) error
	Release()
}

// FIFOThrottle grants the slot to waiters strictly in arrival order and
// enforces a fixed delay between consecutive requests.
type FIFOThrottle struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
	delay   time.Duration
}

func NewFIFOThrottle(delay time.Duration) *FIFOThrottle {
	return &FIFOThrottle{delay: delay}
}

func (t *FIFOThrottle) Acquire(ctx context.Context) error {
	t.mu.Lock()
	if !t.busy {
		t.busy = true
		t.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	t.waiters = append(t.waiters, ready)
	t.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		t.abandon(ready)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter; if its slot grant raced the
// cancellation, the slot is passed on instead of leaking.
func (t *FIFOThrottle) abandon(ready chan struct{}) {
	t.mu.Lock()
	for i, w := range t.waiters {
		if w == ready {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()
	// Not found: the grant already fired.
	select {
	case <-ready:
		t.Release()
	default:
	}
}

func (t *FIFOThrottle) Release() {
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.waiters) > 0 {
		next := t.waiters[0]
		t.waiters = t.waiters[1:]
		close(next)
		return
	}
	t.busy = false
}

// NoopThrottle performs no serialization. Test use only.
type NoopThrottle struct{}

func (NoopThrottle) Acquire(ctx context.Context) error { return nil }
func (NoopThrottle) Release()                          {}

// AdsClientConfig carries endpoint and OAuth settings for the ads platform.
type AdsClientConfig struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
	QuotaCacheTTL  time.Duration

	// Optional observability hooks, wired to prometheus by the caller.
	OnRetry        func()
	OnThrottleWait func(time.Duration)
}

// AdsClient is the single gateway through which all ads-API traffic flows.
// Every request passes the shared throttle, carries a cached bearer token and
// the parent-account header, and retries rate-limit and server errors while
// still holding the throttle slot.
type AdsClient struct {
	cfg      AdsClientConfig
	http     *http.Client
	throttle Throttle
	logger   *log.Logger

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	quotaMu    sync.Mutex
	quotaUntil map[string]time.Time
}

func NewAdsClient(cfg AdsClientConfig, throttle Throttle, logger *log.Logger) *AdsClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.QuotaCacheTTL <= 0 {
		cfg.QuotaCacheTTL = 5 * time.Minute
	}
	if throttle == nil {
		throttle = NewFIFOThrottle(0)
	}
	return &AdsClient{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		throttle:   throttle,
		logger:     logger,
		quotaUntil: make(map[string]time.Time),
	}
}

// Query fetches today's click counters for the given external account IDs
// under one parent account.
func (c *AdsClient) Query(ctx context.Context, parentAccountID string, accountIDs []string) ([]CampaignClicks, error) {
	if err := c.checkQuotaCache(parentAccountID); err != nil {
		return nil, err
	}

	payload := map[string]any{"account_ids": accountIDs}
	var out struct {
		Campaigns []CampaignClicks `json:"campaigns"`
	}
	if err := c.call(ctx, parentAccountID, "/v1/campaigns:queryClicks", payload, &out); err != nil {
		return nil, err
	}
	return out.Campaigns, nil
}

// mutateOperation is the wire shape of one final-URL-suffix update.
type mutateOperation struct {
	CampaignID     string `json:"campaign_id"`
	AccountID      string `json:"account_id"`
	FinalURLSuffix string `json:"final_url_suffix"`
}

type mutateResult struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Mutate pushes final-URL updates. Operations are grouped by parent account
// and split into chunks of at most mutateChunkSize; each chunk requests
// partial failure so one bad operation cannot sink its siblings. The returned
// map is keyed by external campaign ID and always covers every input op.
func (c *AdsClient) Mutate(ctx context.Context, ops []FinalURLUpdate) (map[string]MutateOutcome, error) {
	outcomes := make(map[string]MutateOutcome, len(ops))
	if len(ops) == 0 {
		return outcomes, nil
	}

	byParent := make(map[string][]FinalURLUpdate)
	for _, op := range ops {
		byParent[op.ParentAccountID] = append(byParent[op.ParentAccountID], op)
	}

	for parentID, parentOps := range byParent {
		if err := c.checkQuotaCache(parentID); err != nil {
			markAllFailed(outcomes, parentOps, err.Error())
			continue
		}
		for start := 0; start < len(parentOps); start += mutateChunkSize {
			end := min(start+mutateChunkSize, len(parentOps))
			c.mutateChunk(ctx, parentID, parentOps[start:end], outcomes)
		}
	}
	return outcomes, nil
}

// mutateChunk sends one bounded chunk and folds its per-resource results into
// the shared outcome map. A transport or auth failure fails the whole chunk.
func (c *AdsClient) mutateChunk(ctx context.Context, parentID string, chunk []FinalURLUpdate, outcomes map[string]MutateOutcome) {
	wireOps := make([]mutateOperation, 0, len(chunk))
	for _, op := range chunk {
		wireOps = append(wireOps, mutateOperation{
			CampaignID:     op.ExternalCampaignID,
			AccountID:      op.ExternalAccountID,
			FinalURLSuffix: op.FinalURLSuffix,
		})
	}

	payload := map[string]any{
		"operations":      wireOps,
		"partial_failure": true,
	}
	var out struct {
		Results []mutateResult `json:"results"`
	}
	if err := c.call(ctx, parentID, "/v1/campaigns:mutateFinalURLs", payload, &out); err != nil {
		markAllFailed(outcomes, chunk, err.Error())
		return
	}

	byID := make(map[string]mutateResult, len(out.Results))
	for _, res := range out.Results {
		byID[res.CampaignID] = res
	}
	for _, op := range chunk {
		res, ok := byID[op.ExternalCampaignID]
		switch {
		case !ok:
			outcomes[op.ExternalCampaignID] = MutateOutcome{Error: "no result returned for operation"}
		case res.Status == "ok":
			outcomes[op.ExternalCampaignID] = MutateOutcome{Success: true}
		default:
			msg := res.Error
			if msg == "" {
				msg = fmt.Sprintf("mutate returned status %q", res.Status)
			}
			outcomes[op.ExternalCampaignID] = MutateOutcome{Error: msg}
		}
	}
}

func markAllFailed(outcomes map[string]MutateOutcome, ops []FinalURLUpdate, msg string) {
	for _, op := range ops {
		outcomes[op.ExternalCampaignID] = MutateOutcome{Error: msg}
	}
}

// call performs one throttled, authenticated, retried POST to the ads API.
// Retries stay inside the throttle slot so a rate-limited caller never yields
// the slot only to collide again.
func (c *AdsClient) call(ctx context.Context, parentAccountID, path string, payload, out any) error {
	waitStart := time.Now()
	if err := c.throttle.Acquire(ctx); err != nil {
		return err
	}
	defer c.throttle.Release()
	if c.cfg.OnThrottleWait != nil {
		c.cfg.OnThrottleWait(time.Since(waitStart))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= gatewayMaxAttempts; attempt++ {
		token, err := c.bearerToken(ctx)
		if err != nil {
			return fmt.Errorf("obtain bearer token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Parent-Account", parentAccountID)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			done, err := c.handleResponse(resp, parentAccountID, out)
			if done {
				return err
			}
			lastErr = err
		}

		if attempt == gatewayMaxAttempts {
			break
		}
		if err := c.sleepBeforeRetry(ctx, lastErr, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("ads api %s failed after %d attempts: %w", path, gatewayMaxAttempts, lastErr)
}

// retryAfterError carries the server-suggested wait from a 429.
type retryAfterError struct {
	status int
	wait   time.Duration
	body   string
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("ads api returned status %d: %s", e.status, e.body)
}

// handleResponse decodes a terminal response or classifies a retryable one.
// done=true means the attempt loop must stop (success or permanent failure).
func (c *AdsClient) handleResponse(resp *http.Response, parentAccountID string, out any) (bool, error) {
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return false, readErr
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return true, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return true, fmt.Errorf("decode response: %w", err)
		}
		return true, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		bodyStr := strings.TrimSpace(string(raw))
		if isQuotaError(resp.StatusCode, bodyStr) {
			c.cacheQuotaError(parentAccountID)
			return true, fmt.Errorf("%w for parent account %s: %s", ErrQuotaExhausted, parentAccountID, bodyStr)
		}
		return false, &retryAfterError{
			status: resp.StatusCode,
			wait:   parseRetryAfter(resp.Header.Get("Retry-After")),
			body:   bodyStr,
		}

	case resp.StatusCode == http.StatusUnauthorized:
		// Token likely expired mid-flight; drop the cache and retry.
		c.tokenMu.Lock()
		c.accessToken = ""
		c.tokenMu.Unlock()
		return false, fmt.Errorf("ads api returned 401")

	default:
		return true, fmt.Errorf("ads api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

// sleepBeforeRetry honors Retry-After when the server sent one, otherwise
// backs off exponentially.
func (c *AdsClient) sleepBeforeRetry(ctx context.Context, cause error, attempt int) error {
	wait := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
	var ra *retryAfterError
	if errors.As(cause, &ra) && ra.wait > 0 {
		wait = ra.wait
	}
	if c.logger != nil {
		c.logger.Printf("[AdsClient] attempt %d failed (%v), retrying in %s", attempt, cause, wait)
	}
	if c.cfg.OnRetry != nil {
		c.cfg.OnRetry()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isQuotaError(status int, body string) bool {
	if status != http.StatusTooManyRequests {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "resource_exhausted")
}

// checkQuotaCache fails fast when the parent account recently hit its quota.
func (c *AdsClient) checkQuotaCache(parentAccountID string) error {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	until, ok := c.quotaUntil[parentAccountID]
	if !ok {
		return nil
	}
	if utils.UTCNow().After(until) {
		delete(c.quotaUntil, parentAccountID)
		return nil
	}
	return fmt.Errorf("%w for parent account %s (cached until %s)",
		ErrQuotaExhausted, parentAccountID, until.Format(time.RFC3339))
}

func (c *AdsClient) cacheQuotaError(parentAccountID string) {
	c.quotaMu.Lock()
	c.quotaUntil[parentAccountID] = utils.UTCNow().Add(c.cfg.QuotaCacheTTL)
	c.quotaMu.Unlock()
}

// bearerToken returns the cached access token, refreshing it via the OAuth
// refresh grant when absent or within a minute of expiry.
func (c *AdsClient) bearerToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && utils.UTCNow().Add(time.Minute).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"refresh_token": {c.cfg.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access token")
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = utils.UTCNow().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}
