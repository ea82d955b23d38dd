package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

// HTMLAdapter scrapes a procurement listing page of unknown structure. It is
// the default for sources without a dedicated adapter.
type HTMLAdapter struct {
	sourceBase
	fetcher Fetcher
}

func NewHTMLAdapter(src config.Source, env Env) (Adapter, error) {
	if src.BaseURL == "" {
		return nil, fmt.Errorf("html source %s: base_url is required", src.ID)
	}
	return &HTMLAdapter{
		sourceBase: sourceBase{src: src, env: env},
		fetcher:    env.fetcherFor(src),
	}, nil
}

func (a *HTMLAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	maxPages := a.src.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	var results []models.Opportunity
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	pageURL := a.src.BaseURL

	for page := 0; page < maxPages && pageURL != "" && !visited[pageURL]; page++ {
		visited[pageURL] = true

		if a.src.RespectRobots && a.env.Robots != nil {
			allowed, delay, _ := a.env.Robots.CanFetch(ctx, pageURL)
			if !allowed {
				log.Printf("[%s] robots.txt disallows %s", a.src.ID, pageURL)
				break
			}
			if page > 0 {
				if err := sleepCtx(ctx, delay); err != nil {
					return results, nil
				}
			}
		}

		doc, err := a.loadPage(ctx, pageURL)
		if err != nil {
			if page == 0 {
				return nil, err
			}
			log.Printf("[%s] stopping pagination at %s: %v", a.src.ID, pageURL, err)
			break
		}

		next := a.nextPage(doc, pageURL)
		stripChrome(doc)

		var links []listingLink
		if a.src.Selectors.Rows != "" {
			links = linksIn(doc, a.src.Selectors.Rows)
		} else {
			links = findLinksBroad(doc)
		}
		log.Printf("[%s] found %d links on page %d", a.src.ID, len(links), page+1)

		a.each(len(links), func(i int) {
			o, ok := a.parseListing(links[i], pageURL)
			if !ok || seen[o.SourceID] {
				return
			}
			seen[o.SourceID] = true
			results = append(results, o)
		})

		if len(links) > 0 && len(results) == 0 && page == 0 {
			var samples []string
			for i := 0; i < len(links) && i < 5; i++ {
				samples = append(samples, TruncateText(links[i].Title, 60))
			}
			log.Printf("[%s] page has links but no bid listings matched; sample: %v", a.src.ID, samples)
		}
		pageURL = next
	}

	a.recoverDueDates(ctx, results)
	log.Printf("[%s] bid-related results: %d", a.src.ID, len(results))
	return results, nil
}

func (a *HTMLAdapter) loadPage(ctx context.Context, pageURL string) (*goquery.Document, error) {
	fetched, err := a.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	body, err := fetched.Bytes()
	if err != nil {
		return nil, unavailable(err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrSourceUnavailable, pageURL, err)
	}
	return doc, nil
}

func (a *HTMLAdapter) nextPage(doc *goquery.Document, pageURL string) string {
	if a.src.Selectors.Next == "" {
		return ""
	}
	href, ok := doc.Find(a.src.Selectors.Next).First().Attr("href")
	if !ok || !IsValidHref(href) {
		return ""
	}
	next := MakeDetailURL(pageURL, href)
	if next == pageURL {
		return ""
	}
	return next
}

func (a *HTMLAdapter) parseListing(link listingLink, pageURL string) (models.Opportunity, bool) {
	title := link.Title
	combined := title + " " + link.Extra
	if !acceptTitle(title) {
		return models.Opportunity{}, false
	}
	if !LooksLikeBidListing(title, combined, a.env.Matcher) {
		return models.Opportunity{}, false
	}
	if !a.env.Matcher.IsConstructionRelated(combined) {
		return models.Opportunity{}, false
	}

	o := a.newOpportunity(title)
	o.SourceURL = MakeDetailURL(pageURL, link.Href)
	if o.SourceURL != pageURL {
		o.SourceID = StableID(a.src.ID, title, CanonicalizeURL(o.SourceURL))
	} else {
		o.SourceID = StableID(a.src.ID, title)
	}
	if extra := cleanText(link.Extra); extra != "" && extra != o.Title {
		o.Description = TruncateText(extra, 2000)
	}
	o.AgencyName = strings.TrimSuffix(a.name(), " Procurement")
	o.DueDate = dueDateFromText(link.Extra)
	o.EstimatedValueMin, o.EstimatedValueMax = parseValue(link.Extra)
	if hasBidIndicator(title) {
		o.SolicitationType = solicitationType(title)
	}

	if link.Sel != nil {
		o.Attachments = collectAttachmentLinks(pageURL, link.Sel)
	}
	if isPDFLink(o.SourceURL) {
		o.Attachments = appendUnique(o.Attachments, o.SourceURL)
	}

	a.classify(&o, combined)
	return o, true
}

// recoverDueDates reads the first PDF attachment of listings that show no
// due date, within the run's lookup budget.
func (a *HTMLAdapter) recoverDueDates(ctx context.Context, results []models.Opportunity) {
	for i := range results {
		o := &results[i]
		if o.DueDate != "" {
			continue
		}
		var pdfURL string
		for _, att := range o.Attachments {
			if isPDFLink(att) {
				pdfURL = att
				break
			}
		}
		if pdfURL == "" || !a.env.PDFLookups.Take() {
			continue
		}
		due, err := dueDateFromPDF(ctx, a.fetcher, pdfURL)
		if err != nil {
			log.Printf("[%s] pdf due date lookup failed for %s: %v", a.src.ID, pdfURL, err)
			continue
		}
		if due != "" {
			o.DueDate = due
		}
	}
}

// solicitationType names the procurement method mentioned in a title.
func solicitationType(title string) string {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "ifb") || strings.Contains(lower, "invitation for bid"):
		return "IFB"
	case strings.Contains(lower, "itb"):
		return "ITB"
	case strings.Contains(lower, "rfp") || strings.Contains(lower, "request for proposal"):
		return "RFP"
	case strings.Contains(lower, "rfq") || strings.Contains(lower, "request for quote") || strings.Contains(lower, "request for qualification"):
		return "RFQ"
	}
	return "Solicitation"
}
