package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/temoto/robotstxt"
)

const defaultRobotsTTL = time.Hour

// RobotsChecker gates listing pages for sources that set respect_robots.
// robots.txt is cached per host for a TTL; a missing or unreachable file allows everything.
type RobotsChecker struct {
	cache      *gocache.Cache
	httpClient *http.Client
	userAgent  string

	ttl          time.Duration
	allowPrivate bool
}

type RobotsOption func(*RobotsChecker)

// WithRobotsTTL sets how long a fetched robots.txt is trusted.
func WithRobotsTTL(ttl time.Duration) RobotsOption {
	return func(r *RobotsChecker) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRobotsAllowPrivate lets the checker reach loopback and private hosts.
func WithRobotsAllowPrivate() RobotsOption {
	return func(r *RobotsChecker) { r.allowPrivate = true }
}

func NewRobotsChecker(userAgent string, timeout time.Duration, opts ...RobotsOption) *RobotsChecker {
	r := &RobotsChecker{userAgent: userAgent, ttl: defaultRobotsTTL}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = gocache.New(r.ttl, 2*r.ttl)

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
	r.httpClient = &http.Client{Timeout: timeout, Transport: transport}
	if !r.allowPrivate {
		transport.DialContext = safeDialContext
		r.httpClient.CheckRedirect = safeCheckRedirect
	}
	return r
}

// CanFetch reports whether rawURL may be fetched and the crawl delay to honour.
func (r *RobotsChecker) CanFetch(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse URL: %w", err)
	}

	origin := parsed.Scheme + "://" + strings.ToLower(parsed.Host)
	data, err := r.robotsData(ctx, origin)
	if err != nil {
		return true, 0, nil
	}

	agent := productToken(r.userAgent)
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	allowed := data.TestAgent(path, agent)

	var delay time.Duration
	if group := data.FindGroup(agent); group != nil {
		delay = group.CrawlDelay
	}
	return allowed, delay, nil
}

func (r *RobotsChecker) robotsData(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	if cached, ok := r.cache.Get(origin); ok {
		return cached.(*robotstxt.RobotsData), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	r.cache.SetDefault(origin, data)
	return data, nil
}

// productToken reduces a full user agent to its first product name.
func productToken(ua string) string {
	parts := strings.Fields(ua)
	if len(parts) == 0 {
		return ua
	}
	return strings.Split(parts[0], "/")[0]
}
