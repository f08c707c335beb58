package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootDomain(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		expected string
	}{
		{"bare domain", "example.com", "example.com"},
		{"www stripped", "www.example.com", "example.com"},
		{"subdomain collapses", "ca-en.example.com", "example.com"},
		{"deep subdomain", "a.b.c.example.com", "example.com"},
		{"multi-part suffix", "shop.example.co.uk", "example.co.uk"},
		{"www with multi-part suffix", "www.example.com.au", "example.com.au"},
		{"bare multi-part registrable", "example.co.uk", "example.co.uk"},
		{"port stripped", "example.com:8443", "example.com"},
		{"case folded", "Shop.EXAMPLE.Com", "example.com"},
		{"single label", "localhost", "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RootDomain(tt.host))
		})
	}
}

func TestExtractBodyRedirect(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "meta refresh",
			body:     `<html><head><meta http-equiv="refresh" content="0;url=https://next.example.com/a"></head></html>`,
			expected: "https://next.example.com/a",
		},
		{
			name:     "meta refresh uppercase",
			body:     `<META HTTP-EQUIV="Refresh" CONTENT="2; URL=https://next.example.com/b">`,
			expected: "https://next.example.com/b",
		},
		{
			name:     "location href",
			body:     `<script>window.location.href = "https://next.example.com/c";</script>`,
			expected: "https://next.example.com/c",
		},
		{
			name:     "location replace",
			body:     `<script>location.replace('https://next.example.com/d')</script>`,
			expected: "https://next.example.com/d",
		},
		{
			name:     "window location assignment",
			body:     `<script>window.location = 'https://next.example.com/e';</script>`,
			expected: "https://next.example.com/e",
		},
		{
			name:     "top location assignment",
			body:     `<script>top.location="https://next.example.com/f"</script>`,
			expected: "https://next.example.com/f",
		},
		{
			name:     "no pattern",
			body:     `<html><body>landing page</body></html>`,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractBodyRedirect([]byte(tt.body)))
		})
	}
}

func TestTrace_RedirectChainMatches(t *testing.T) {
	// Three hops: two internal 302s, then a 302 out to the target domain.
	// The match fires on the resolved hop URL before it is fetched.
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hop1":
			http.Redirect(w, r, "/hop2", http.StatusFound)
		case "/hop2":
			http.Redirect(w, r, server.URL+"/hop3", http.StatusMovedPermanently)
		case "/hop3":
			http.Redirect(w, r, "http://www.example.com/landing?aff=42", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tracer := NewRedirectTracer(5 * time.Second)
	result, err := tracer.Trace(context.Background(), server.URL+"/hop1", server.Client(), "https://ref.example.net", "example.com", 10)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 3, result.Hops)
	assert.Equal(t, "http://www.example.com/landing?aff=42", result.FinalURL)
	assert.Equal(t, "example.com", result.FinalDomain)
}

func TestTrace_MetaRefreshHop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><meta http-equiv="refresh" content="0;url=https://shop.example.co.uk/deal"></head></html>`)
	}))
	defer server.Close()

	tracer := NewRedirectTracer(5 * time.Second)
	result, err := tracer.Trace(context.Background(), server.URL+"/start", server.Client(), "", "example.co.uk", 10)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 1, result.Hops)
	assert.Equal(t, "example.co.uk", result.FinalDomain)
}

func TestTrace_ScriptRedirectHop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><script>window.location.href = "https://example.com/offer";</script></html>`)
	}))
	defer server.Close()

	tracer := NewRedirectTracer(5 * time.Second)
	result, err := tracer.Trace(context.Background(), server.URL+"/start", server.Client(), "", "example.com", 10)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 1, result.Hops)
}

func TestTrace_UnmatchedIsVerdictNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>plain landing page</body></html>")
	}))
	defer server.Close()

	tracer := NewRedirectTracer(5 * time.Second)
	result, err := tracer.Trace(context.Background(), server.URL+"/start", server.Client(), "", "example.com", 10)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Equal(t, 0, result.Hops)
	assert.Equal(t, server.URL+"/start", result.FinalURL)
}

func TestTrace_MaxHopsCapsTheChain(t *testing.T) {
	// An endless redirect loop must stop at maxHops with matched=false.
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", hits), http.StatusFound)
	}))
	defer server.Close()

	tracer := NewRedirectTracer(5 * time.Second)
	result, err := tracer.Trace(context.Background(), server.URL+"/loop/0", server.Client(), "", "example.com", 3)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Equal(t, 3, result.Hops)
}

func TestTrace_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := server.URL
	server.Close()

	tracer := NewRedirectTracer(2 * time.Second)
	_, err := tracer.Trace(context.Background(), deadURL+"/start", http.DefaultClient, "", "example.com", 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTraceTransport))
}

func TestTrace_SendsBrowserHeaders(t *testing.T) {
	var gotUA, gotReferer string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
	}))
	defer server.Close()

	tracer := NewRedirectTracer(5 * time.Second)
	_, err := tracer.Trace(context.Background(), server.URL, server.Client(), "https://ads.example.net/c", "example.com", 10)
	require.NoError(t, err)

	assert.Contains(t, gotUA, "Mozilla/5.0")
	assert.Equal(t, "https://ads.example.net/c", gotReferer)
}
