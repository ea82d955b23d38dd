package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

const permitLeadTag = "permit_lead"

var commercialTerms = []string{
	"commercial", "office", "retail", "industrial",
	"renovation", "alteration", "addition", "new construction",
	"tenant", "buildout", "remodel", "restaurant",
	"medical", "dental", "mixed use", "multi-family",
	"parking", "warehouse", "institutional", "municipal",
	"church", "school", "hospital", "hotel",
}

// PermitsAdapter turns rows of public building permit tables into early
// project leads. Pages are crawled with colly.
type PermitsAdapter struct {
	sourceBase
	colly *CollyFetcher
}

func NewPermitsAdapter(src config.Source, env Env) (Adapter, error) {
	if src.BaseURL == "" {
		return nil, fmt.Errorf("permits source %s: base_url is required", src.ID)
	}
	fc := src.Fetch
	if fc.TimeoutSeconds <= 0 {
		fc.TimeoutSeconds = 12
	}
	cf := NewCollyFetcher(fc)
	cf.AllowPrivate = env.AllowPrivate
	return &PermitsAdapter{
		sourceBase: sourceBase{src: src, env: env},
		colly:      cf,
	}, nil
}

func isCommercial(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range commercialTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func (a *PermitsAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	u, err := url.Parse(a.src.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("permits source %s: invalid base_url %q", a.src.ID, a.src.BaseURL)
	}

	c := a.colly.Collector(ctx, u.Hostname())

	var results []models.Opportunity
	seen := make(map[string]bool)
	var status int
	var visitErr error

	c.OnHTML("table", func(e *colly.HTMLElement) {
		rows := e.DOM.Find("tr")
		if rows.Length() < 2 {
			return
		}
		rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
			a.guard(func() {
				o, ok := a.parseRow(row)
				if !ok || seen[o.SourceID] {
					return
				}
				seen[o.SourceID] = true
				results = append(results, o)
			})
		})
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		visitErr = err
	})

	if err := c.Visit(a.src.BaseURL); err != nil && visitErr == nil {
		visitErr = err
	}
	if visitErr != nil {
		if status != 0 {
			return nil, classifyStatus(a.src.BaseURL, status)
		}
		return nil, unavailable(visitErr)
	}

	if len(results) == 0 {
		log.Printf("[%s] no permit tables found, site may need JavaScript", a.src.ID)
	}
	log.Printf("[%s] permit results: %d", a.src.ID, len(results))
	return results, nil
}

func (a *PermitsAdapter) parseRow(row *goquery.Selection) (models.Opportunity, bool) {
	cells := row.Find("td")
	if cells.Length() < 2 {
		return models.Opportunity{}, false
	}
	var texts []string
	cells.Each(func(_ int, td *goquery.Selection) {
		texts = append(texts, normalizeSpace(td.Text()))
	})
	text := strings.Join(texts, " ")
	if !isCommercial(text) {
		return models.Opportunity{}, false
	}
	first := cleanText(texts[0])
	if first == "" {
		return models.Opportunity{}, false
	}

	o := a.newOpportunity("[PERMIT] " + first)
	o.SourceURL = a.src.BaseURL
	o.SourceID = StableID(a.src.ID, TruncateText(text, 100))
	o.Description = TruncateText(cleanText(text), 2000)
	o.CategoryTags = []string{permitLeadTag}
	o.AgencyName = a.name()
	o.EstimatedValueMin, o.EstimatedValueMax = parseValue(text)
	if link, ok := row.Find("a[href]").First().Attr("href"); ok {
		o.SourceURL = MakeDetailURL(a.src.BaseURL, link)
	}

	a.classify(&o, text)
	return o, true
}
