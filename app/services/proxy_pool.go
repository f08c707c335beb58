package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/repository"
	"github.com/amirphl/Susanoo/utils"
)

const (
	// tokenDrawsPerProvider bounds how many fresh session tokens are drawn
	// for one provider before moving to the next one.
	tokenDrawsPerProvider = 5

	// ipCheckAttempts bounds connectivity retries against a single IP-check
	// service before the session is considered dead.
	ipCheckAttempts = 3

	sessionAlphabetDigits = "0123456789"
	sessionAlphabetAlnum  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrNoProxyAvailable is returned when every enabled provider was exhausted
// without producing a verified egress session.
var ErrNoProxyAvailable = errors.New("no egress proxy available")

// EgressSession is a verified proxy-backed HTTP client bound to one
// provider, country and session token.
type EgressSession struct {
	Provider *models.EgressProvider
	Token    string
	Country  string
	EgressIP string
	Client   *http.Client
}

// ProxyPoolConfig controls session construction and verification.
type ProxyPoolConfig struct {
	DedupWindow     time.Duration
	IPCheckURLs     []string
	IPCheckTimeout  time.Duration
	ConnectTimeout  time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// ProxyPool hands out country-targeted egress sessions, enforcing the
// per-campaign session-token dedup window across providers.
type ProxyPool struct {
	providers repository.EgressProviderRepository
	used      repository.UsedEgressRecordRepository
	cfg       ProxyPoolConfig
	logger    *log.Logger

	// ipCheck is swappable in tests.
	ipCheck func(ctx context.Context, client *http.Client) (string, error)
}

// NewProxyPool creates a pool over the enabled providers in priority order.
func NewProxyPool(providers repository.EgressProviderRepository, used repository.UsedEgressRecordRepository, cfg ProxyPoolConfig, logger *log.Logger) *ProxyPool {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.IPCheckTimeout <= 0 {
		cfg.IPCheckTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 5 * time.Second
	}
	if len(cfg.IPCheckURLs) == 0 {
		cfg.IPCheckURLs = []string{"https://api.ipify.org?format=json", "https://ifconfig.me/ip"}
	}
	p := &ProxyPool{
		providers: providers,
		used:      used,
		cfg:       cfg,
		logger:    logger,
	}
	p.ipCheck = p.fetchEgressIP
	return p
}

// ExpandCredentials substitutes the provider credential placeholders:
// {CC} upper-case country, {cc} lower-case country, {SESSION} session token.
func ExpandCredentials(template, countryCode, sessionToken string) string {
	out := strings.ReplaceAll(template, "{CC}", strings.ToUpper(countryCode))
	out = strings.ReplaceAll(out, "{cc}", strings.ToLower(countryCode))
	out = strings.ReplaceAll(out, "{SESSION}", sessionToken)
	return out
}

// newSessionToken draws a random token in the provider's configured length
// and alphabet.
func newSessionToken(length int, alphabet models.SessionAlphabet) (string, error) {
	if length <= 0 {
		length = 8
	}
	chars := sessionAlphabetAlnum
	if alphabet == models.SessionAlphabetDigits {
		chars = sessionAlphabetDigits
	}
	b := make([]byte, length)
	max := big.NewInt(int64(len(chars)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = chars[n.Int64()]
	}
	return string(b), nil
}

// Acquire produces a verified egress session for the campaign's country.
// Providers are tried in priority order; within a provider, up to
// tokenDrawsPerProvider session tokens are drawn until one clears the dedup
// window. Each candidate session must pass the egress IP check before it is
// handed out.
func (p *ProxyPool) Acquire(ctx context.Context, campaignID uint, countryCode string) (*EgressSession, error) {
	providers, err := p.providers.ListEnabledByPriority(ctx)
	if err != nil {
		return nil, fmt.Errorf("list egress providers: %w", err)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no enabled providers", ErrNoProxyAvailable)
	}

	var diagnostics []string
	for _, provider := range providers {
		if !provider.SupportsCountry(countryCode) {
			diagnostics = append(diagnostics, fmt.Sprintf("%s: country %s not supported", provider.Name, strings.ToUpper(countryCode)))
			continue
		}
		session, reason, err := p.tryProvider(ctx, provider, campaignID, countryCode)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, nil
		}
		diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", provider.Name, reason))
	}
	return nil, fmt.Errorf("%w for campaign %d country %s: %s",
		ErrNoProxyAvailable, campaignID, countryCode, strings.Join(diagnostics, "; "))
}

// tryProvider attempts to mint a verified session from one provider. A nil
// session with a non-empty reason means the provider is exhausted; errors are
// reserved for storage failures.
func (p *ProxyPool) tryProvider(ctx context.Context, provider *models.EgressProvider, campaignID uint, countryCode string) (*EgressSession, string, error) {
	var lastReason string
	for draw := 0; draw < tokenDrawsPerProvider; draw++ {
		token, err := newSessionToken(provider.SessionLength, provider.SessionAlphabet)
		if err != nil {
			return nil, "", fmt.Errorf("draw session token: %w", err)
		}

		used, err := p.used.TokenUsedWithin(ctx, campaignID, token, p.cfg.DedupWindow)
		if err != nil {
			return nil, "", fmt.Errorf("check token dedup: %w", err)
		}
		if used {
			lastReason = "all drawn tokens already used within dedup window"
			continue
		}

		client, err := p.buildClient(provider, countryCode, token)
		if err != nil {
			lastReason = fmt.Sprintf("build proxy client: %v", err)
			continue
		}

		egressIP, err := p.verifySession(ctx, client)
		if err != nil {
			lastReason = fmt.Sprintf("ip check failed: %v", err)
			if p.logger != nil {
				p.logger.Printf("[ProxyPool] provider=%s campaign=%d token draw %d failed ip check: %v",
					provider.Name, campaignID, draw+1, err)
			}
			continue
		}

		return &EgressSession{
			Provider: provider,
			Token:    token,
			Country:  strings.ToUpper(countryCode),
			EgressIP: egressIP,
			Client:   client,
		}, "", nil
	}
	if lastReason == "" {
		lastReason = "token draws exhausted"
	}
	return nil, lastReason, nil
}

// buildClient assembles the proxy-authenticated HTTP client for one session.
func (p *ProxyPool) buildClient(provider *models.EgressProvider, countryCode, token string) (*http.Client, error) {
	username := ExpandCredentials(provider.UsernameTemplate, countryCode, token)
	password := ExpandCredentials(provider.PasswordTemplate, countryCode, token)

	proxyURL := &url.URL{
		Scheme: "http",
		User:   url.UserPassword(username, password),
		Host:   net.JoinHostPort(provider.Host, fmt.Sprintf("%d", provider.Port)),
	}

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout: p.cfg.ConnectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     60 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   p.cfg.IPCheckTimeout + p.cfg.ConnectTimeout,
	}, nil
}

// verifySession confirms the proxy actually routes traffic by asking an
// IP-check service for the egress address. Connection-level failures retry
// with capped backoff; an HTTP-level answer (any status) is terminal for the
// attempt.
func (p *ProxyPool) verifySession(ctx context.Context, client *http.Client) (string, error) {
	var lastErr error
	backoff := p.cfg.RetryBackoff
	for attempt := 1; attempt <= ipCheckAttempts; attempt++ {
		ip, err := p.ipCheck(ctx, client)
		if err == nil {
			return ip, nil
		}
		lastErr = err

		// Only connection-level errors are worth retrying.
		var netErr net.Error
		if !errors.As(err, &netErr) && !errors.Is(err, io.EOF) {
			return "", err
		}
		if attempt == ipCheckAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxRetryBackoff {
			backoff = p.cfg.MaxRetryBackoff
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", ipCheckAttempts, lastErr)
}

// fetchEgressIP queries the configured IP-check services in order and returns
// the first successful answer.
func (p *ProxyPool) fetchEgressIP(ctx context.Context, client *http.Client) (string, error) {
	var lastErr error
	for _, checkURL := range p.cfg.IPCheckURLs {
		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.IPCheckTimeout)
		ip, err := fetchIPFrom(reqCtx, client, checkURL)
		cancel()
		if err == nil {
			return ip, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func fetchIPFrom(ctx context.Context, client *http.Client, checkURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip check %s returned status %d", checkURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	// Services answer either bare text or {"ip": "..."}.
	var parsed struct {
		IP string `json:"ip"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.IP != "" {
		return parsed.IP, nil
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ip check %s returned unparseable body", checkURL)
	}
	return ip, nil
}

// RecordUsage persists the used-token row inside the caller's transaction so
// the dedup record commits atomically with the campaign click state.
func (p *ProxyPool) RecordUsage(ctx context.Context, session *EgressSession, campaignID uint) error {
	rec := &models.UsedEgressRecord{
		CampaignID:   campaignID,
		ProviderID:   session.Provider.ID,
		CountryCode:  session.Country,
		SessionToken: session.Token,
		UsedAt:       utils.UTCNow(),
	}
	return p.used.Save(ctx, rec)
}
