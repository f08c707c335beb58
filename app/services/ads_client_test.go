package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// adsTestBackend is a fake ads platform: token endpoint plus query and
// mutate handlers with scriptable behavior.
type adsTestBackend struct {
	mu           sync.Mutex
	tokenCalls   int
	queryCalls   int
	mutateCalls  int
	chunkSizes   []int
	parents      []string
	queryHandler func(w http.ResponseWriter, r *http.Request)
	failCampaign string

	server *httptest.Server
}

func newAdsTestBackend() *adsTestBackend {
	b := &adsTestBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.tokenCalls++
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v1/campaigns:queryClicks", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.queryCalls++
		b.parents = append(b.parents, r.Header.Get("X-Parent-Account"))
		b.mu.Unlock()
		if b.queryHandler != nil {
			b.queryHandler(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"campaigns": []CampaignClicks{
				{ExternalCampaignID: "c-1", ExternalAccountID: "a-1", TodayClicks: 52},
			},
		})
	})
	mux.HandleFunc("/v1/campaigns:mutateFinalURLs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Operations     []mutateOperation `json:"operations"`
			PartialFailure bool              `json:"partial_failure"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		b.mu.Lock()
		b.mutateCalls++
		b.chunkSizes = append(b.chunkSizes, len(req.Operations))
		b.parents = append(b.parents, r.Header.Get("X-Parent-Account"))
		failID := b.failCampaign
		b.mu.Unlock()

		results := make([]mutateResult, 0, len(req.Operations))
		for _, op := range req.Operations {
			if op.CampaignID == failID {
				results = append(results, mutateResult{CampaignID: op.CampaignID, Status: "error", Error: "invalid final url"})
				continue
			}
			results = append(results, mutateResult{CampaignID: op.CampaignID, Status: "ok"})
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})
	b.server = httptest.NewServer(mux)
	return b
}

func (b *adsTestBackend) client(t *testing.T) *AdsClient {
	t.Helper()
	return NewAdsClient(AdsClientConfig{
		BaseURL:       b.server.URL,
		TokenURL:      b.server.URL + "/oauth/token",
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		RefreshToken:  "refresh-token",
		RetryBackoff:  time.Millisecond,
		QuotaCacheTTL: time.Minute,
	}, NoopThrottle{}, nil)
}

func TestQuery_ReturnsClickCounters(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	client := backend.client(t)
	rows, err := client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, "c-1", rows[0].ExternalCampaignID)
	assert.Equal(t, int64(52), rows[0].TodayClicks)
	assert.Equal(t, []string{"parent-1"}, backend.parents)
}

func TestBearerToken_CachedAcrossCalls(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	client := backend.client(t)
	_, err := client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.NoError(t, err)
	_, err = client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, backend.tokenCalls)
	assert.Equal(t, 2, backend.queryCalls)
}

func TestMutate_ChunksAtHundredOps(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	ops := make([]FinalURLUpdate, 0, 250)
	for i := 0; i < 250; i++ {
		ops = append(ops, FinalURLUpdate{
			ExternalCampaignID: fmt.Sprintf("c-%d", i),
			ExternalAccountID:  "a-1",
			ParentAccountID:    "parent-1",
			FinalURLSuffix:     fmt.Sprintf("offer=%d", i),
		})
	}

	client := backend.client(t)
	outcomes, err := client.Mutate(context.Background(), ops)
	require.NoError(t, err)

	assert.Equal(t, 3, backend.mutateCalls)
	assert.Equal(t, []int{100, 100, 50}, backend.chunkSizes)

	require.Len(t, outcomes, 250)
	for id, outcome := range outcomes {
		assert.True(t, outcome.Success, "campaign %s should have succeeded", id)
	}
}

func TestMutate_PartialFailureIsolated(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()
	backend.failCampaign = "c-bad"

	ops := []FinalURLUpdate{
		{ExternalCampaignID: "c-1", ExternalAccountID: "a-1", ParentAccountID: "parent-1", FinalURLSuffix: "offer=1"},
		{ExternalCampaignID: "c-bad", ExternalAccountID: "a-1", ParentAccountID: "parent-1", FinalURLSuffix: "::bad::"},
		{ExternalCampaignID: "c-2", ExternalAccountID: "a-1", ParentAccountID: "parent-1", FinalURLSuffix: "offer=2"},
	}

	client := backend.client(t)
	outcomes, err := client.Mutate(context.Background(), ops)
	require.NoError(t, err)

	assert.True(t, outcomes["c-1"].Success)
	assert.True(t, outcomes["c-2"].Success)
	assert.False(t, outcomes["c-bad"].Success)
	assert.Equal(t, "invalid final url", outcomes["c-bad"].Error)
}

func TestMutate_GroupsByParentAccount(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	ops := []FinalURLUpdate{
		{ExternalCampaignID: "c-1", ExternalAccountID: "a-1", ParentAccountID: "parent-1", FinalURLSuffix: "offer=1"},
		{ExternalCampaignID: "c-2", ExternalAccountID: "a-2", ParentAccountID: "parent-2", FinalURLSuffix: "offer=2"},
	}

	client := backend.client(t)
	outcomes, err := client.Mutate(context.Background(), ops)
	require.NoError(t, err)

	assert.Equal(t, 2, backend.mutateCalls)
	assert.ElementsMatch(t, []string{"parent-1", "parent-2"}, backend.parents)
	assert.True(t, outcomes["c-1"].Success)
	assert.True(t, outcomes["c-2"].Success)
}

func TestQuery_RetriesRateLimitThenSucceeds(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	var attempts int
	backend.queryHandler = func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, "rate limit exceeded")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"campaigns": []CampaignClicks{{ExternalCampaignID: "c-1", TodayClicks: 5}},
		})
	}

	client := backend.client(t)
	rows, err := client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	require.Len(t, rows, 1)
}

func TestQuery_GivesUpAfterMaxAttempts(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	backend.queryHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "backend down")
	}

	client := backend.client(t)
	_, err := client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, gatewayMaxAttempts, backend.queryCalls)
}

func TestQuery_QuotaErrorShortCached(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	backend.queryHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "daily quota exceeded for account")
	}

	client := backend.client(t)
	_, err := client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExhausted))
	assert.Equal(t, 1, backend.queryCalls)

	// Second call fails fast off the cache without touching the API.
	_, err = client.Query(context.Background(), "parent-1", []string{"a-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExhausted))
	assert.Equal(t, 1, backend.queryCalls)

	// A different parent account is unaffected.
	backend.queryHandler = nil
	_, err = client.Query(context.Background(), "parent-2", []string{"a-2"})
	require.NoError(t, err)
}

func TestMutate_QuotaCacheFailsWholeParent(t *testing.T) {
	backend := newAdsTestBackend()
	defer backend.server.Close()

	client := backend.client(t)
	client.cacheQuotaError("parent-1")

	ops := []FinalURLUpdate{
		{ExternalCampaignID: "c-1", ParentAccountID: "parent-1", FinalURLSuffix: "offer=1"},
		{ExternalCampaignID: "c-2", ParentAccountID: "parent-2", FinalURLSuffix: "offer=2"},
	}
	outcomes, err := client.Mutate(context.Background(), ops)
	require.NoError(t, err)

	assert.False(t, outcomes["c-1"].Success)
	assert.Contains(t, outcomes["c-1"].Error, "quota")
	assert.True(t, outcomes["c-2"].Success)
	assert.Equal(t, 1, backend.mutateCalls)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"zero seconds", "0", 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRetryAfter(tt.header))
		})
	}
}

func TestFIFOThrottle_GrantsInArrivalOrder(t *testing.T) {
	throttle := NewFIFOThrottle(0)
	require.NoError(t, throttle.Acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Register waiters one at a time so arrival order is deterministic.
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, throttle.Acquire(context.Background()))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			throttle.Release()
		}(i)
		want := i
		require.Eventually(t, func() bool {
			throttle.mu.Lock()
			defer throttle.mu.Unlock()
			return len(throttle.waiters) == want
		}, time.Second, time.Millisecond)
	}

	throttle.Release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestFIFOThrottle_AcquireHonorsContext(t *testing.T) {
	throttle := NewFIFOThrottle(0)
	require.NoError(t, throttle.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- throttle.Acquire(ctx)
	}()

	require.Eventually(t, func() bool {
		throttle.mu.Lock()
		defer throttle.mu.Unlock()
		return len(throttle.waiters) == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The slot is still held by the original owner and can be released.
	throttle.Release()
	require.NoError(t, throttle.Acquire(context.Background()))
	throttle.Release()
}
