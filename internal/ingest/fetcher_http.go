package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/oakbuilders/bid-finder/internal/config"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

type cachedResponse struct {
	body        []byte
	contentType string
	headers     map[string][]string
}

// RateLimitedFetcher provides per-host rate limiting, retries on transient
// failures, a short-lived response cache and private address blocking.
type RateLimitedFetcher struct {
	clients  map[string]*http.Client
	limiters map[string]*rate.Limiter
	cfg      config.FetchConfig
	cache    *gocache.Cache
	jar      http.CookieJar
	headers  map[string]string
	mu       sync.RWMutex

	allowPrivate bool
}

type FetcherOption func(*RateLimitedFetcher)

// WithAllowPrivate disables private address blocking. Tests use it to reach httptest servers.
func WithAllowPrivate() FetcherOption {
	return func(f *RateLimitedFetcher) { f.allowPrivate = true }
}

// WithCookieJar shares a cookie jar across requests, for sources that need a session.
func WithCookieJar(jar http.CookieJar) FetcherOption {
	return func(f *RateLimitedFetcher) { f.jar = jar }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) FetcherOption {
	return func(f *RateLimitedFetcher) { f.headers[key] = value }
}

func NewRateLimitedFetcher(cfg config.FetchConfig, opts ...FetcherOption) *RateLimitedFetcher {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 12
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1.0
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 60
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	f := &RateLimitedFetcher{
		clients:  make(map[string]*http.Client),
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
		cache:    gocache.New(ttl, 2*ttl),
		headers:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func getDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	return u.Host, nil
}

// getClient returns or creates the client and limiter for a host.
func (f *RateLimitedFetcher) getClient(domain string) (*http.Client, *rate.Limiter) {
	f.mu.RLock()
	client, exists := f.clients[domain]
	limiter := f.limiters[domain]
	f.mu.RUnlock()
	if exists {
		return client, limiter
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if client, exists := f.clients[domain]; exists {
		return client, f.limiters[domain]
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	checkRedirect := safeCheckRedirect
	if f.allowPrivate {
		checkRedirect = nil
	} else {
		transport.DialContext = safeDialContext
	}

	client = &http.Client{
		Timeout:       time.Duration(f.cfg.TimeoutSeconds) * time.Second,
		Transport:     transport,
		CheckRedirect: checkRedirect,
		Jar:           f.jar,
	}
	limiter = rate.NewLimiter(rate.Limit(f.cfg.RateLimitRPS), 1)

	f.clients[domain] = client
	f.limiters[domain] = limiter
	return client, limiter
}

// safeDialContext wraps the default dialer to block private IPs
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private IP: %s", ip)
		}
	}

	return d.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if addr, ok := netip.AddrFromSlice(ip); ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

// safeCheckRedirect limits redirects and validates destinations
func safeCheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if req.URL == nil {
		return fmt.Errorf("invalid redirect URL")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect scheme blocked")
	}

	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("redirect host missing")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("redirect to internal host blocked")
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("redirect to private IP blocked: %s", ip)
		}
	}
	return nil
}

// shouldRetry determines if an error or status code should trigger a retry
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		var netErr interface{ Timeout() bool }
		return errors.As(err, &netErr) && netErr.Timeout()
	}
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Fetch performs a GET.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, rawURL string) (*FetchedDocument, error) {
	if cached, ok := f.cache.Get(rawURL); ok {
		c := cached.(cachedResponse)
		return &FetchedDocument{
			URL:         rawURL,
			StatusCode:  http.StatusOK,
			ContentType: c.contentType,
			Body:        io.NopCloser(bytes.NewReader(c.body)),
			FetchedAt:   time.Now(),
			Headers:     c.headers,
		}, nil
	}

	doc, body, err := f.do(ctx, http.MethodGet, rawURL, nil, "")
	if err != nil {
		return nil, err
	}
	f.cache.SetDefault(rawURL, cachedResponse{body: body, contentType: doc.ContentType, headers: doc.Headers})
	return doc, nil
}

// PostForm submits a urlencoded form. Responses are never cached.
func (f *RateLimitedFetcher) PostForm(ctx context.Context, rawURL string, form url.Values) (*FetchedDocument, error) {
	doc, _, err := f.do(ctx, http.MethodPost, rawURL, []byte(form.Encode()), "application/x-www-form-urlencoded")
	return doc, err
}

func (f *RateLimitedFetcher) do(ctx context.Context, method, rawURL string, payload []byte, contentType string) (*FetchedDocument, []byte, error) {
	domain, err := getDomain(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL: %w", err)
	}
	client, limiter := f.getClient(domain)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, nil, unavailable(ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, unavailable(err)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", f.cfg.UserAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en-US,en;q=0.5")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range f.headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if shouldRetry(err, 0) && ctx.Err() == nil {
				continue
			}
			return nil, nil, unavailable(fmt.Errorf("failed to execute request: %w", err))
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			resp.Body.Close()
			if err != nil {
				return nil, nil, unavailable(fmt.Errorf("read body: %w", err))
			}
			return &FetchedDocument{
				URL:         resp.Request.URL.String(),
				StatusCode:  resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        io.NopCloser(bytes.NewReader(body)),
				FetchedAt:   time.Now(),
				Headers:     resp.Header,
			}, body, nil
		}

		resp.Body.Close()
		lastErr = classifyStatus(rawURL, resp.StatusCode)
		if shouldRetry(nil, resp.StatusCode) {
			continue
		}
		return nil, nil, lastErr
	}

	return nil, nil, unavailable(fmt.Errorf("max retries exceeded: %w", lastErr))
}
