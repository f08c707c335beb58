package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProviderRepo serves a fixed provider list.
type fakeProviderRepo struct {
	providers []*models.EgressProvider
	err       error
}

func (f *fakeProviderRepo) ByID(ctx context.Context, id uint) (*models.EgressProvider, error) {
	for _, p := range f.providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeProviderRepo) ByFilter(ctx context.Context, filter models.EgressProviderFilter, orderBy string, limit, offset int) ([]*models.EgressProvider, error) {
	return f.providers, f.err
}

func (f *fakeProviderRepo) Save(ctx context.Context, p *models.EgressProvider) error { return nil }

func (f *fakeProviderRepo) SaveBatch(ctx context.Context, ps []*models.EgressProvider) error {
	return nil
}

func (f *fakeProviderRepo) ListEnabledByPriority(ctx context.Context) ([]*models.EgressProvider, error) {
	return f.providers, f.err
}

// fakeUsedRepo records saved rows and answers dedup checks from a decision func.
type fakeUsedRepo struct {
	mu       sync.Mutex
	saved    []*models.UsedEgressRecord
	usedFunc func(campaignID uint, token string) bool
}

func (f *fakeUsedRepo) ByID(ctx context.Context, id uint) (*models.UsedEgressRecord, error) {
	return nil, nil
}

func (f *fakeUsedRepo) ByFilter(ctx context.Context, filter models.UsedEgressRecordFilter, orderBy string, limit, offset int) ([]*models.UsedEgressRecord, error) {
	return nil, nil
}

func (f *fakeUsedRepo) Save(ctx context.Context, r *models.UsedEgressRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, r)
	return nil
}

func (f *fakeUsedRepo) SaveBatch(ctx context.Context, rs []*models.UsedEgressRecord) error {
	return nil
}

func (f *fakeUsedRepo) TokenUsedWithin(ctx context.Context, campaignID uint, token string, window time.Duration) (bool, error) {
	if f.usedFunc == nil {
		return false, nil
	}
	return f.usedFunc(campaignID, token), nil
}

func (f *fakeUsedRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func testProvider(id uint, name string, priority int) *models.EgressProvider {
	return &models.EgressProvider{
		ID:               id,
		Name:             name,
		Host:             "proxy." + name + ".test",
		Port:             8080,
		UsernameTemplate: "cust-user-country-{CC}-session-{SESSION}",
		PasswordTemplate: "secret",
		SessionLength:    8,
		SessionAlphabet:  models.SessionAlphabetAlnum,
		Priority:         priority,
		IsEnabled:        true,
	}
}

func fastPoolConfig() ProxyPoolConfig {
	return ProxyPoolConfig{
		DedupWindow:     24 * time.Hour,
		IPCheckTimeout:  time.Second,
		ConnectTimeout:  time.Second,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 2 * time.Millisecond,
	}
}

func TestExpandCredentials(t *testing.T) {
	tests := []struct {
		name     string
		template string
		country  string
		token    string
		expected string
	}{
		{"upper country", "user-{CC}-{SESSION}", "de", "abc123", "user-DE-abc123"},
		{"lower country", "user-{cc}-{SESSION}", "DE", "abc123", "user-de-abc123"},
		{"both cases", "{CC}/{cc}", "Gb", "x", "GB/gb"},
		{"no placeholders", "static-password", "us", "x", "static-password"},
		{"repeated placeholder", "{SESSION}-{SESSION}", "us", "tok", "tok-tok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExpandCredentials(tt.template, tt.country, tt.token))
		})
	}
}

func TestNewSessionToken(t *testing.T) {
	t.Run("digits alphabet", func(t *testing.T) {
		token, err := newSessionToken(10, models.SessionAlphabetDigits)
		require.NoError(t, err)
		assert.Len(t, token, 10)
		for _, r := range token {
			assert.True(t, r >= '0' && r <= '9', "unexpected rune %q", r)
		}
	})

	t.Run("alnum alphabet", func(t *testing.T) {
		token, err := newSessionToken(12, models.SessionAlphabetAlnum)
		require.NoError(t, err)
		assert.Len(t, token, 12)
	})

	t.Run("zero length defaults", func(t *testing.T) {
		token, err := newSessionToken(0, models.SessionAlphabetAlnum)
		require.NoError(t, err)
		assert.Len(t, token, 8)
	})
}

func TestAcquire_FirstProviderWins(t *testing.T) {
	providers := &fakeProviderRepo{providers: []*models.EgressProvider{
		testProvider(1, "alpha", 1),
		testProvider(2, "beta", 2),
	}}
	pool := NewProxyPool(providers, &fakeUsedRepo{}, fastPoolConfig(), nil)
	pool.ipCheck = func(ctx context.Context, client *http.Client) (string, error) {
		return "203.0.113.7", nil
	}

	session, err := pool.Acquire(context.Background(), 42, "de")
	require.NoError(t, err)

	assert.Equal(t, uint(1), session.Provider.ID)
	assert.Equal(t, "DE", session.Country)
	assert.Equal(t, "203.0.113.7", session.EgressIP)
	assert.Len(t, session.Token, 8)
	require.NotNil(t, session.Client)
}

func TestAcquire_DedupExhaustionFailsOver(t *testing.T) {
	providers := &fakeProviderRepo{providers: []*models.EgressProvider{
		testProvider(1, "alpha", 1),
		testProvider(2, "beta", 2),
	}}
	// Every token drawn for provider alpha counts as used; beta is clean.
	var alphaChecks int
	used := &fakeUsedRepo{usedFunc: func(campaignID uint, token string) bool {
		if alphaChecks < tokenDrawsPerProvider {
			alphaChecks++
			return true
		}
		return false
	}}
	pool := NewProxyPool(providers, used, fastPoolConfig(), nil)
	pool.ipCheck = func(ctx context.Context, client *http.Client) (string, error) {
		return "198.51.100.9", nil
	}

	session, err := pool.Acquire(context.Background(), 7, "fr")
	require.NoError(t, err)

	assert.Equal(t, uint(2), session.Provider.ID)
	assert.Equal(t, tokenDrawsPerProvider, alphaChecks)
}

func TestAcquire_SkipsProvidersWithoutCountry(t *testing.T) {
	usOnly := testProvider(1, "alpha", 1)
	usOnly.Countries = []string{"US", "CA"}
	providers := &fakeProviderRepo{providers: []*models.EgressProvider{
		usOnly,
		testProvider(2, "beta", 2),
	}}
	used := &fakeUsedRepo{}
	pool := NewProxyPool(providers, used, fastPoolConfig(), nil)
	pool.ipCheck = func(ctx context.Context, client *http.Client) (string, error) {
		return "198.51.100.9", nil
	}

	session, err := pool.Acquire(context.Background(), 7, "de")
	require.NoError(t, err)
	assert.Equal(t, uint(2), session.Provider.ID)

	// The unsupported provider is named when nothing else serves the country.
	providers.providers = []*models.EgressProvider{usOnly}
	_, err = pool.Acquire(context.Background(), 7, "de")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProxyAvailable))
	assert.Contains(t, err.Error(), "country DE not supported")
}

func TestAcquire_AllProvidersExhausted(t *testing.T) {
	providers := &fakeProviderRepo{providers: []*models.EgressProvider{
		testProvider(1, "alpha", 1),
		testProvider(2, "beta", 2),
	}}
	pool := NewProxyPool(providers, &fakeUsedRepo{}, fastPoolConfig(), nil)
	pool.ipCheck = func(ctx context.Context, client *http.Client) (string, error) {
		return "", fmt.Errorf("ip check returned status 502")
	}

	_, err := pool.Acquire(context.Background(), 7, "us")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProxyAvailable))
	// Diagnostics name each exhausted provider.
	assert.Contains(t, err.Error(), "alpha")
	assert.Contains(t, err.Error(), "beta")
}

func TestAcquire_NoEnabledProviders(t *testing.T) {
	pool := NewProxyPool(&fakeProviderRepo{}, &fakeUsedRepo{}, fastPoolConfig(), nil)

	_, err := pool.Acquire(context.Background(), 1, "us")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProxyAvailable))
}

// timeoutError satisfies net.Error for retry-classification tests.
type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestVerifySession_RetriesConnectionErrors(t *testing.T) {
	pool := NewProxyPool(&fakeProviderRepo{}, &fakeUsedRepo{}, fastPoolConfig(), nil)

	var calls int
	pool.ipCheck = func(ctx context.Context, client *http.Client) (string, error) {
		calls++
		if calls < 3 {
			return "", timeoutError{}
		}
		return "192.0.2.4", nil
	}

	ip, err := pool.verifySession(context.Background(), http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.4", ip)
	assert.Equal(t, 3, calls)
}

func TestVerifySession_NoRetryOnHTTPLevelAnswer(t *testing.T) {
	pool := NewProxyPool(&fakeProviderRepo{}, &fakeUsedRepo{}, fastPoolConfig(), nil)

	var calls int
	pool.ipCheck = func(ctx context.Context, client *http.Client) (string, error) {
		calls++
		return "", fmt.Errorf("ip check returned status 403")
	}

	_, err := pool.verifySession(context.Background(), http.DefaultClient)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRecordUsage(t *testing.T) {
	used := &fakeUsedRepo{}
	pool := NewProxyPool(&fakeProviderRepo{}, used, fastPoolConfig(), nil)

	session := &EgressSession{
		Provider: testProvider(3, "gamma", 1),
		Token:    "tok12345",
		Country:  "DE",
		EgressIP: "203.0.113.1",
	}
	require.NoError(t, pool.RecordUsage(context.Background(), session, 99))

	require.Len(t, used.saved, 1)
	rec := used.saved[0]
	assert.Equal(t, uint(99), rec.CampaignID)
	assert.Equal(t, uint(3), rec.ProviderID)
	assert.Equal(t, "tok12345", rec.SessionToken)
	assert.Equal(t, "DE", rec.CountryCode)
	assert.False(t, rec.UsedAt.IsZero())
}
