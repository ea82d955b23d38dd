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

// ArcGISAdapter reads an ArcGIS REST feature layer query endpoint.
// Field names default to the DC OCP solicitation layer.
type ArcGISAdapter struct {
	sourceBase
	fetcher Fetcher
}

func NewArcGISAdapter(src config.Source, env Env) (Adapter, error) {
	if src.APIURL == "" {
		return nil, fmt.Errorf("arcgis source %s: api_url is required", src.ID)
	}
	return &ArcGISAdapter{
		sourceBase: sourceBase{src: src, env: env},
		fetcher:    env.fetcherFor(src),
	}, nil
}

func (a *ArcGISAdapter) queryURL() string {
	q := url.Values{}
	q.Set("where", a.src.Param("where", "1=1"))
	q.Set("outFields", "*")
	q.Set("f", "json")
	q.Set("resultRecordCount", a.src.Param("result_record_count", "200"))
	q.Set("orderByFields", a.src.Param("order_by", "OBJECTID DESC"))
	return a.src.APIURL + "?" + q.Encode()
}

func (a *ArcGISAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	doc, err := a.fetcher.Fetch(ctx, a.queryURL())
	if err != nil {
		return nil, err
	}
	body, err := doc.Bytes()
	if err != nil {
		return nil, unavailable(err)
	}

	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return nil, fmt.Errorf("%w: arcgis error: %s", ErrSourceUnavailable, msg.String())
	}

	features := gjson.GetBytes(body, "features").Array()
	log.Printf("[%s] got %d records from ArcGIS", a.src.ID, len(features))

	var results []models.Opportunity
	a.each(len(features), func(i int) {
		if o, ok := a.parseFeature(features[i].Get("attributes")); ok {
			results = append(results, o)
		}
	})
	log.Printf("[%s] construction-related: %d", a.src.ID, len(results))
	return results, nil
}

func (a *ArcGISAdapter) parseFeature(attrs gjson.Result) (models.Opportunity, bool) {
	title := firstField(attrs, a.src.Field("title", "SOLICITATIONTITLE")).String()
	number := firstField(attrs, a.src.Field("number", "SOLICITATIONNUMBER")).String()
	agency := firstField(attrs, a.src.Field("agency", "AGENCY_NAME")).String()
	acronym := firstField(attrs, a.src.Field("agency_acronym", "AGENCY_ACRONYM")).String()

	if title == "" {
		return models.Opportunity{}, false
	}
	combined := title + " " + agency
	if !a.env.Matcher.IsConstructionRelated(combined) {
		return models.Opportunity{}, false
	}

	o := a.newOpportunity(title)
	o.SourceID = number
	if o.SourceID == "" {
		o.SourceID = StableID(a.src.ID, title)
	}

	keyword := number
	if keyword == "" {
		keyword = TruncateText(title, 50)
	}
	o.SourceURL = a.src.BaseURL + "?keyword=" + url.QueryEscape(keyword)

	if agency != "" {
		o.Description = "Agency: " + agency
		if acronym != "" {
			o.Description += " (" + acronym + ")"
		}
		o.AgencyName = agency
	} else {
		o.AgencyName = a.src.Name
	}

	o.PostedDate = dateField(firstField(attrs, a.src.Field("posted", "ISSUEDATE|ISSUE_DATE|POSTEDDATE")))
	o.DueDate = dateField(firstField(attrs, a.src.Field("due", "CLOSINGDATE|CLOSING_DATE|DUEDATE|RESPONSEDUEDATE")))
	o.SolicitationType = firstField(attrs, a.src.Field("type", "SOLICITATIONTYPE|PROCUREMENT_METHOD")).String()
	o.SetAside = firstField(attrs, a.src.Field("set_aside", "SET_ASIDE|SETASIDE")).String()

	a.classify(&o, combined)
	return o, true
}
