// Package services provides external service integrations for the link replacement pipeline
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// maxBodyInspectBytes bounds how much of a 2xx body is scanned for
	// meta-refresh and script navigation patterns.
	maxBodyInspectBytes = 256 * 1024

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ErrTraceTransport marks a transport-level failure while following the
// chain, as opposed to an unmatched verification which is a normal verdict.
var ErrTraceTransport = errors.New("redirect trace transport failure")

// TraceResult is the outcome of following one affiliate redirect chain.
type TraceResult struct {
	FinalURL    string
	FinalDomain string
	Matched     bool
	Hops        int
}

// redirectPattern is one ordered pattern→extractor rule applied to 2xx
// bodies. Each rule is independently testable.
type redirectPattern struct {
	name string
	re   *regexp.Regexp
}

// Rules are tried in order; the first capture group is the next-hop URL.
var redirectPatterns = []redirectPattern{
	{"meta-refresh", regexp.MustCompile(`(?is)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]+content\s*=\s*["'][^"']*url\s*=\s*([^"'>\s]+)`)},
	{"location-replace", regexp.MustCompile(`(?i)(?:window\.|document\.|top\.)?location\.replace\(\s*["']([^"']+)["']\s*\)`)},
	{"location-href", regexp.MustCompile(`(?i)(?:window\.|document\.|top\.)?location\.href\s*=\s*["']([^"']+)["']`)},
	{"location-assign", regexp.MustCompile(`(?i)(?:window\.|top\.)?location\s*=\s*["']([^"']+)["']`)},
}

// multiPartSuffixes lists known multi-part public suffixes. Hosts ending in
// one of these keep three labels; everything else collapses to the last two.
var multiPartSuffixes = map[string]bool{
	"co.uk":  true,
	"org.uk": true,
	"ac.uk":  true,
	"gov.uk": true,
	"com.au": true,
	"net.au": true,
	"org.au": true,
	"co.nz":  true,
	"co.jp":  true,
	"co.kr":  true,
	"co.in":  true,
	"co.za":  true,
	"com.br": true,
	"com.mx": true,
	"com.ar": true,
	"com.tr": true,
	"com.sg": true,
	"com.hk": true,
	"com.tw": true,
	"com.cn": true,
}

// RootDomain computes the registrable root domain of a host: the www prefix
// is stripped, known multi-part suffixes keep three labels, everything else
// keeps the last two.
func RootDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	host = strings.TrimPrefix(host, "www.")

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	suffix := strings.Join(labels[len(labels)-2:], ".")
	if multiPartSuffixes[suffix] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return suffix
}

// RedirectTracer follows an affiliate URL through a bounded chain of HTTP,
// meta-refresh and script redirects and verifies the final domain.
type RedirectTracer struct {
	userAgent string
	timeout   time.Duration
}

// NewRedirectTracer creates a tracer with the given per-hop timeout.
func NewRedirectTracer(timeout time.Duration) *RedirectTracer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RedirectTracer{
		userAgent: defaultUserAgent,
		timeout:   timeout,
	}
}

// Trace follows startURL through at most maxHops redirects using the given
// client (usually a proxy-backed session client). A domain match
// short-circuits the loop; exhausting maxHops without a match is not an
// error, the caller receives the last-seen URL with Matched=false.
func (t *RedirectTracer) Trace(ctx context.Context, startURL string, client *http.Client, referrer, targetDomain string, maxHops int) (*TraceResult, error) {
	if maxHops <= 0 {
		maxHops = 10
	}
	if client == nil {
		client = http.DefaultClient
	}

	// Redirect following stays disabled so every hop is observed.
	hopClient := &http.Client{
		Transport: client.Transport,
		Timeout:   t.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	target := strings.ToLower(strings.TrimSpace(targetDomain))
	target = strings.TrimPrefix(target, "www.")

	current, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("invalid start url %q: %w", startURL, err)
	}

	result := &TraceResult{FinalURL: current.String(), FinalDomain: RootDomain(current.Host)}

	for hop := 1; hop <= maxHops; hop++ {
		next, err := t.fetchNextHop(ctx, hopClient, current, referrer)
		if err != nil {
			return nil, fmt.Errorf("%w: hop %d (%s): %v", ErrTraceTransport, hop, current.String(), err)
		}
		if next == nil {
			// No further hop: the current URL is final.
			break
		}

		current = next
		result.Hops = hop
		result.FinalURL = current.String()
		result.FinalDomain = RootDomain(current.Host)

		if target != "" && strings.EqualFold(result.FinalDomain, RootDomain(target)) {
			result.Matched = true
			return result, nil
		}
	}

	return result, nil
}

// fetchNextHop issues one GET and extracts the next hop from a 3xx Location
// header or, for 2xx responses, from the body pattern rules. A nil URL with
// nil error means the chain ended.
func (t *RedirectTracer) fetchNextHop(ctx context.Context, client *http.Client, current *url.URL, referrer string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if referrer != "" {
		req.Header.Set("Referer", referrer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, nil
		}
		return resolveHop(current, loc)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyInspectBytes))
		if err != nil {
			return nil, err
		}
		if loc := extractBodyRedirect(body); loc != "" {
			return resolveHop(current, loc)
		}
		return nil, nil

	default:
		// 4xx/5xx terminate the chain at the current URL.
		return nil, nil
	}
}

// extractBodyRedirect applies the ordered pattern rules and returns the first
// extracted next-hop URL, or empty when none match.
func extractBodyRedirect(body []byte) string {
	for _, p := range redirectPatterns {
		if m := p.re.FindSubmatch(body); len(m) > 1 {
			return strings.TrimSpace(string(m[1]))
		}
	}
	return ""
}

func resolveHop(base *url.URL, loc string) (*url.URL, error) {
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
	}
	return base.ResolveReference(ref), nil
}
