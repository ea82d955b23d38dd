package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

const (
	portalRowSelector      = "table tr, .solicitation-row, .bid-item, .sol-item"
	portalCardSelector     = "div.row, div.card, div.item, article, li.list-group-item"
	portalAgencySelector   = ".org-name, .agency, .buyer-name, td:nth-of-type(2)"
	portalLoginErrSelector = ".alert-danger, .error-message, .login-error"
)

// PortalAdapter logs into a credentialed bid aggregator with a form post and
// parses its open solicitations page. The session lives in a cookie jar.
type PortalAdapter struct {
	sourceBase
	fetcher Fetcher
}

func NewPortalAdapter(src config.Source, env Env) (Adapter, error) {
	if src.BaseURL == "" {
		return nil, fmt.Errorf("portal source %s: base_url is required", src.ID)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &PortalAdapter{
		sourceBase: sourceBase{src: src, env: env},
		fetcher:    env.fetcherFor(src, WithCookieJar(jar)),
	}, nil
}

func (a *PortalAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	creds := a.src.Credentials
	if strings.TrimSpace(creds.Username) == "" || strings.TrimSpace(creds.Password) == "" {
		return nil, fmt.Errorf("%w: %s credentials not configured", ErrSourceAuthRequired, a.src.ID)
	}

	if a.src.LoginURL != "" {
		if err := a.login(ctx); err != nil {
			return nil, err
		}
		log.Printf("[%s] login successful", a.src.ID)
	}

	fetched, err := a.fetcher.Fetch(ctx, a.src.BaseURL)
	if err != nil {
		return nil, err
	}
	body, err := fetched.Bytes()
	if err != nil {
		return nil, unavailable(err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrSourceUnavailable, a.src.BaseURL, err)
	}
	doc.Find("nav, header, footer, .nav, .header, .footer, .sidebar").Remove()

	results := a.parseRows(doc)
	if len(results) == 0 {
		log.Printf("[%s] no structured bids found, trying broad link scan", a.src.ID)
		results = a.parseBroad(doc)
	}
	log.Printf("[%s] construction-related results: %d", a.src.ID, len(results))
	return results, nil
}

func (a *PortalAdapter) login(ctx context.Context) error {
	poster, ok := a.fetcher.(FormPoster)
	if !ok {
		return fmt.Errorf("portal source %s: fetcher cannot submit forms", a.src.ID)
	}

	page, err := a.fetcher.Fetch(ctx, a.src.LoginURL)
	if err != nil {
		return fmt.Errorf("load login page: %w", err)
	}
	pageBody, err := page.Bytes()
	if err != nil {
		return unavailable(err)
	}

	form := url.Values{}
	form.Set(a.src.Param("username_field", "email"), a.src.Credentials.Username)
	form.Set(a.src.Param("password_field", "password"), a.src.Credentials.Password)
	if token := csrfToken(pageBody); token != "" {
		form.Set(a.src.Param("csrf_field", "_csrf"), token)
	}

	resp, err := poster.PostForm(ctx, a.src.LoginURL, form)
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	respBody, err := resp.Bytes()
	if err != nil {
		return unavailable(err)
	}
	if strings.Contains(strings.ToLower(resp.URL), "login") {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(respBody))
		if err == nil {
			if msg := doc.Find(portalLoginErrSelector).First(); msg.Length() > 0 {
				return fmt.Errorf("%w: login rejected: %s", ErrSourceAuthRequired, normalizeSpace(msg.Text()))
			}
		}
	}
	return nil
}

func csrfToken(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	for _, sel := range []string{`input[name="_csrf"]`, `input[name="csrf"]`} {
		if v, ok := doc.Find(sel).First().Attr("value"); ok && v != "" {
			return v
		}
	}
	for _, sel := range []string{`meta[name="_csrf"]`, `meta[name="csrf-token"]`} {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && v != "" {
			return v
		}
	}
	return ""
}

func (a *PortalAdapter) siteRoot() string {
	u, err := url.Parse(a.src.BaseURL)
	if err != nil {
		return a.src.BaseURL
	}
	return u.Scheme + "://" + u.Host
}

func (a *PortalAdapter) parseRows(doc *goquery.Document) []models.Opportunity {
	rows := doc.Find(portalRowSelector)
	if rows.Length() == 0 {
		rows = doc.Find(portalCardSelector)
	}
	log.Printf("[%s] found %d potential listing elements", a.src.ID, rows.Length())

	var results []models.Opportunity
	seen := make(map[string]bool)
	rows.Each(func(_ int, row *goquery.Selection) {
		a.guard(func() {
			o, ok := a.parseRow(row)
			if !ok || seen[o.SourceID] {
				return
			}
			seen[o.SourceID] = true
			results = append(results, o)
		})
	})
	return results
}

func (a *PortalAdapter) parseRow(row *goquery.Selection) (models.Opportunity, bool) {
	link := row.Find("a[href]").First()
	title := normalizeSpace(link.Text())
	href, _ := link.Attr("href")
	if !acceptTitle(title) || !IsValidHref(href) {
		return models.Opportunity{}, false
	}

	rowText := normalizeSpace(row.Text())
	combined := title + " " + rowText
	if !hasBidIndicator(combined) && !a.env.Matcher.IsConstructionRelated(combined) {
		return models.Opportunity{}, false
	}

	o := a.newOpportunity(title)
	o.SourceURL = MakeDetailURL(a.siteRoot(), href)
	o.SourceID = StableID(a.src.ID, title, href)
	o.DueDate = dueDateFromText(rowText)
	o.EstimatedValueMin, o.EstimatedValueMax = parseValue(rowText)
	if org := row.Find(portalAgencySelector).First(); org.Length() > 0 {
		if agency := normalizeSpace(org.Text()); agency != title {
			o.AgencyName = agency
		}
	}
	o.Attachments = collectAttachmentLinks(a.src.BaseURL, row)

	a.classify(&o, combined)
	return o, true
}

func (a *PortalAdapter) parseBroad(doc *goquery.Document) []models.Opportunity {
	links := findLinksBroad(doc)
	var results []models.Opportunity
	a.each(len(links), func(i int) {
		l := links[i]
		combined := l.Title + " " + l.Extra
		if len(l.Title) < 15 || !acceptTitle(l.Title) || !a.env.Matcher.IsConstructionRelated(combined) {
			return
		}
		o := a.newOpportunity(l.Title)
		o.SourceURL = MakeDetailURL(a.siteRoot(), l.Href)
		o.SourceID = StableID(a.src.ID, l.Title, l.Href)
		a.classify(&o, combined)
		results = append(results, o)
	})
	return results
}
