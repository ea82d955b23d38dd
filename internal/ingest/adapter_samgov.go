package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

const samDefaultAPIURL = "https://api.sam.gov/prod/opportunities/v2/search"

// SAMGovAdapter queries the SAM.gov Opportunities v2 API once per state and
// NAICS code. Results are already scoped by NAICS, so no construction filter
// is applied.
type SAMGovAdapter struct {
	sourceBase
	fetcher Fetcher
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewSAMGovAdapter(src config.Source, env Env) (Adapter, error) {
	return &SAMGovAdapter{
		sourceBase: sourceBase{src: src, env: env},
		fetcher:    env.fetcherFor(src),
		sleep:      sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *SAMGovAdapter) queryURL(state, naics string, now time.Time) string {
	days, _ := strconv.Atoi(a.src.Param("posted_days", "30"))
	q := url.Values{}
	q.Set("api_key", a.src.APIKey)
	q.Set("postedFrom", now.AddDate(0, 0, -days).Format("01/02/2006"))
	q.Set("postedTo", now.Format("01/02/2006"))
	q.Set("ncode", naics)
	for _, p := range a.src.ParamList("ptypes", []string{"o", "k", "p"}) {
		q.Add("ptype", p)
	}
	q.Set("state", state)
	q.Set("limit", a.src.Param("limit", "25"))
	q.Set("offset", "0")

	base := a.src.APIURL
	if base == "" {
		base = samDefaultAPIURL
	}
	return base + "?" + q.Encode()
}

func (a *SAMGovAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	if strings.TrimSpace(a.src.APIKey) == "" {
		return nil, fmt.Errorf("%w: %s api key not configured", ErrSourceAuthRequired, a.src.ID)
	}

	capSeconds, _ := strconv.Atoi(a.src.Param("time_cap_seconds", "90"))
	waitSeconds, _ := strconv.Atoi(a.src.Param("rate_limit_wait_seconds", "10"))
	states := a.src.ParamList("states", []string{"VA", "DC", "MD"})
	naicsCodes := a.src.ParamList("naics", a.env.NAICS)

	start := time.Now()
	now := a.env.now()
	seen := make(map[string]bool)
	var results []models.Opportunity
	// Isolated failed combinations are tolerated, but a source where no
	// query answered at all is reported as unavailable.
	answered := 0
	var lastErr error

	for _, state := range states {
		for _, naics := range naicsCodes {
			if capSeconds > 0 && time.Since(start) > time.Duration(capSeconds)*time.Second {
				log.Printf("[%s] time limit reached (%ds), stopping", a.src.ID, capSeconds)
				return a.finish(results, answered, lastErr)
			}

			body, err := a.query(ctx, state, naics, now)
			switch {
			case err == nil:
			case errors.Is(err, ErrNoResults):
				answered++
				continue
			case errors.Is(err, ErrSourceAuthRequired):
				return nil, err
			case StatusCode(err) == http.StatusTooManyRequests:
				lastErr = err
				log.Printf("[%s] rate limited, waiting %ds", a.src.ID, waitSeconds)
				if err := a.sleep(ctx, time.Duration(waitSeconds)*time.Second); err != nil {
					return nil, unavailable(err)
				}
				continue
			case StatusCode(err) != 0:
				lastErr = err
				log.Printf("[%s] HTTP error for %s/%s: %v", a.src.ID, state, naics, err)
				continue
			default:
				return nil, err
			}

			answered++
			items := gjson.GetBytes(body, "opportunitiesData").Array()
			log.Printf("[%s] got %d results for %s/%s", a.src.ID, len(items), state, naics)
			a.each(len(items), func(i int) {
				o, ok := a.parseItem(items[i], state, naics)
				if !ok || seen[o.SourceID] {
					return
				}
				seen[o.SourceID] = true
				results = append(results, o)
			})
		}
	}

	log.Printf("[%s] total results: %d", a.src.ID, len(results))
	return a.finish(results, answered, lastErr)
}

func (a *SAMGovAdapter) finish(results []models.Opportunity, answered int, lastErr error) ([]models.Opportunity, error) {
	if answered == 0 && lastErr != nil {
		return nil, unavailable(fmt.Errorf("%s: no query succeeded: %w", a.src.ID, lastErr))
	}
	return results, nil
}

func (a *SAMGovAdapter) query(ctx context.Context, state, naics string, now time.Time) ([]byte, error) {
	doc, err := a.fetcher.Fetch(ctx, a.queryURL(state, naics, now))
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, ErrNoResults
		}
		return nil, err
	}
	return doc.Bytes()
}

func (a *SAMGovAdapter) parseItem(item gjson.Result, state, naics string) (models.Opportunity, bool) {
	title := item.Get("title").String()
	if strings.TrimSpace(title) == "" {
		return models.Opportunity{}, false
	}
	o := a.newOpportunity(title)

	solNum := item.Get("solicitationNumber").String()
	noticeID := item.Get("noticeId").String()
	o.SourceID = noticeID
	if o.SourceID == "" {
		o.SourceID = StableID(a.src.ID, title)
	}

	o.SourceURL = item.Get("uiLink").String()
	if o.SourceURL == "" && noticeID != "" {
		o.SourceURL = fmt.Sprintf("https://sam.gov/opp/%s/view", noticeID)
	}
	if solNum != "" {
		o.Description = "Solicitation: " + solNum
	}

	o.NAICSCode = item.Get("naicsCode").String()
	if o.NAICSCode == "" {
		o.NAICSCode = naics
	}
	o.AgencyName = item.Get("fullParentPathName").String()
	o.PostedDate = item.Get("postedDate").String()
	o.DueDate = item.Get("responseDeadLine").String()
	o.SetAside = item.Get("typeOfSetAsideDescription").String()
	o.SolicitationType = item.Get("type").String()

	pop := item.Get("placeOfPerformance")
	o.LocationCity = pop.Get("city.name").String()
	if city := pop.Get("city"); city.Type == gjson.String {
		o.LocationCity = city.String()
	}
	o.LocationState = pop.Get("state.code").String()
	if o.LocationState == "" {
		o.LocationState = state
	}
	o.LocationZip = pop.Get("zip").String()

	if poc := item.Get("pointOfContact.0"); poc.Exists() {
		o.ContactName = poc.Get("fullName").String()
		o.ContactEmail = poc.Get("email").String()
		o.ContactPhone = poc.Get("phone").String()
	}

	if amount := item.Get("award.amount"); amount.Exists() && amount.Float() > 0 {
		v := amount.Float()
		o.EstimatedValueMin = models.Float64Ptr(v)
		o.EstimatedValueMax = models.Float64Ptr(v)
	}

	a.classify(&o, title+" "+solNum)
	return o, true
}
