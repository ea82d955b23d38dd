package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

// SocrataAdapter reads a Socrata SODA dataset. Field names default to the
// Montgomery County solicitation dataset.
type SocrataAdapter struct {
	sourceBase
	fetcher Fetcher
}

func NewSocrataAdapter(src config.Source, env Env) (Adapter, error) {
	if src.APIURL == "" {
		return nil, fmt.Errorf("socrata source %s: api_url is required", src.ID)
	}
	return &SocrataAdapter{
		sourceBase: sourceBase{src: src, env: env},
		fetcher:    env.fetcherFor(src),
	}, nil
}

func (a *SocrataAdapter) queryURL() string {
	q := url.Values{}
	q.Set("$order", a.src.Param("order", "issuance_date DESC"))
	q.Set("$limit", a.src.Param("limit", "200"))
	return a.src.APIURL + "?" + q.Encode()
}

func (a *SocrataAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	doc, err := a.fetcher.Fetch(ctx, a.queryURL())
	if err != nil {
		return nil, err
	}
	body, err := doc.Bytes()
	if err != nil {
		return nil, unavailable(err)
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("%w: socrata response is not an array: %s", ErrSourceUnavailable, TruncateText(string(body), 200))
	}
	records := parsed.Array()
	log.Printf("[%s] got %d records from Socrata", a.src.ID, len(records))

	var results []models.Opportunity
	a.each(len(records), func(i int) {
		if o, ok := a.parseRecord(records[i]); ok {
			results = append(results, o)
		}
	})
	log.Printf("[%s] construction-related: %d", a.src.ID, len(results))
	return results, nil
}

func (a *SocrataAdapter) parseRecord(rec gjson.Result) (models.Opportunity, bool) {
	title := firstField(rec, a.src.Field("title", "description|solicitation_title")).String()
	number := firstField(rec, a.src.Field("number", "solicitation_number|solicitation")).String()
	agency := firstField(rec, a.src.Field("agency", "department|agency")).String()

	combined := title + " " + agency + " " + number
	if !a.env.Matcher.IsConstructionRelated(combined) {
		return models.Opportunity{}, false
	}
	if title == "" {
		title = number
	}
	if title == "" {
		return models.Opportunity{}, false
	}

	o := a.newOpportunity(title)
	o.SourceID = number
	if o.SourceID == "" {
		o.SourceID = StableID(a.src.ID, title)
	}
	o.SourceURL = a.src.BaseURL
	if link := firstField(rec, a.src.Field("url", "url.url|solicitation_url|link")).String(); link != "" {
		o.SourceURL = link
	}

	o.AgencyName = agency
	if agency != "" {
		o.Description = "Agency: " + agency
	} else {
		o.AgencyName = a.src.Name
	}
	o.PostedDate = dateField(firstField(rec, a.src.Field("posted", "issuance_date|issue_date")))
	o.DueDate = dateField(firstField(rec, a.src.Field("due", "closing_date|due_date")))
	o.SolicitationType = firstField(rec, a.src.Field("type", "solicitation_type|type")).String()

	a.classify(&o, combined)
	return o, true
}
