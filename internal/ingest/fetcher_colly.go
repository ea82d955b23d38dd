package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/oakbuilders/bid-finder/internal/config"
)

// CollyFetcher implements Fetcher with a Colly collector. Sources that set
// fetch.engine to "colly" use it, as does the permit crawler.
type CollyFetcher struct {
	UserAgent         string
	MaxRetries        int
	RequestTimeout    time.Duration
	DomainDelay       time.Duration
	RandomDelayFactor float64
	MaxBodySize       int
	AllowPrivate      bool
}

func NewCollyFetcher(cfg config.FetchConfig) *CollyFetcher {
	f := &CollyFetcher{
		UserAgent:         defaultUserAgent,
		MaxRetries:        1,
		RequestTimeout:    12 * time.Second,
		DomainDelay:       1 * time.Second,
		RandomDelayFactor: 0.5,
		MaxBodySize:       maxBodyBytes,
	}
	if cfg.UserAgent != "" {
		f.UserAgent = cfg.UserAgent
	}
	if cfg.TimeoutSeconds > 0 {
		f.RequestTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if cfg.RateLimitRPS > 0 {
		f.DomainDelay = time.Duration(float64(time.Second) / cfg.RateLimitRPS)
	}
	if cfg.MaxRetries > 0 {
		f.MaxRetries = cfg.MaxRetries
	}
	return f
}

// Collector builds a synchronous collector bound to ctx. Robots handling is
// left to RobotsChecker.
func (f *CollyFetcher) Collector(ctx context.Context, allowedDomains ...string) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.UserAgent(f.UserAgent),
		colly.MaxBodySize(f.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
		colly.IgnoreRobotsTxt(),
		colly.StdlibContext(ctx),
	}
	if len(allowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(allowedDomains...))
	}

	c := colly.NewCollector(opts...)
	_ = c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       f.DomainDelay,
		RandomDelay: time.Duration(float64(f.DomainDelay) * f.RandomDelayFactor),
	})
	c.SetRequestTimeout(f.RequestTimeout)

	if !f.AllowPrivate {
		c.WithTransport(&http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         safeDialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		})
		c.SetRedirectHandler(safeCheckRedirect)
	}
	return c
}

// Fetch implements the Fetcher interface, returning a FetchedDocument.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	parsedURL, err := url.Parse(targetURL)
	if err != nil || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", targetURL)
	}

	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[colly] retry %d/%d for %s: %v", attempt, f.MaxRetries, targetURL, lastErr)
			select {
			case <-ctx.Done():
				return nil, unavailable(ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		doc, status, err := f.visitOnce(ctx, parsedURL.Hostname(), targetURL)
		if err == nil {
			return doc, nil
		}
		if status != 0 {
			lastErr = classifyStatus(targetURL, status)
			if !shouldRetry(nil, status) {
				return nil, lastErr
			}
			continue
		}
		lastErr = unavailable(err)
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, unavailable(fmt.Errorf("fetch failed after %d retries: %w", f.MaxRetries, lastErr))
}

func (f *CollyFetcher) visitOnce(ctx context.Context, host, targetURL string) (*FetchedDocument, int, error) {
	c := f.Collector(ctx, host)

	var result *FetchedDocument
	var status int
	var visitErr error

	c.OnResponse(func(r *colly.Response) {
		result = &FetchedDocument{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(r.Body)),
			FetchedAt:   time.Now(),
			Headers:     map[string][]string(*r.Headers),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	if err := c.Visit(targetURL); err != nil && visitErr == nil {
		visitErr = err
	}
	if visitErr != nil {
		return nil, status, visitErr
	}
	if result == nil {
		return nil, 0, fmt.Errorf("no response received for %s", targetURL)
	}
	return result, 0, nil
}
