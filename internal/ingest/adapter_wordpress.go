package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

// WordPressAdapter searches the posts of a municipal WordPress site through
// its REST API.
type WordPressAdapter struct {
	sourceBase
	fetcher Fetcher
}

func NewWordPressAdapter(src config.Source, env Env) (Adapter, error) {
	if src.APIURL == "" && src.BaseURL == "" {
		return nil, fmt.Errorf("wordpress source %s: api_url or base_url is required", src.ID)
	}
	return &WordPressAdapter{
		sourceBase: sourceBase{src: src, env: env},
		fetcher:    env.fetcherFor(src),
	}, nil
}

// apiURL falls back to the standard posts route under base_url.
func (a *WordPressAdapter) apiURL() (string, error) {
	if a.src.APIURL != "" {
		return a.src.APIURL, nil
	}
	if strings.Contains(a.src.BaseURL, "wp-json") {
		return a.src.BaseURL, nil
	}
	u, err := url.Parse(a.src.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	return u.Scheme + "://" + u.Host + "/wp-json/wp/v2/posts", nil
}

func (a *WordPressAdapter) Fetch(ctx context.Context) ([]models.Opportunity, error) {
	a.parseFailures = 0
	api, err := a.apiURL()
	if err != nil {
		return nil, err
	}
	perPage := a.src.Param("per_page", "50")

	var results []models.Opportunity
	seen := make(map[string]bool)
	for _, term := range a.src.ParamList("search_terms", []string{"construction", "renovation", "bid"}) {
		q := url.Values{}
		q.Set("search", term)
		q.Set("per_page", perPage)

		doc, err := a.fetcher.Fetch(ctx, api+"?"+q.Encode())
		if err != nil {
			code := StatusCode(err)
			if code == http.StatusBadRequest || code == http.StatusNotFound {
				log.Printf("[%s] no posts for %q (%d)", a.src.ID, term, code)
				continue
			}
			if errors.Is(err, ErrSourceAuthRequired) || len(results) == 0 {
				return nil, err
			}
			log.Printf("[%s] search %q failed, keeping %d results: %v", a.src.ID, term, len(results), err)
			break
		}
		body, err := doc.Bytes()
		if err != nil {
			return nil, unavailable(err)
		}

		posts := gjson.ParseBytes(body)
		if !posts.IsArray() {
			log.Printf("[%s] unexpected response for %q: %s", a.src.ID, term, TruncateText(string(body), 120))
			continue
		}
		items := posts.Array()
		a.each(len(items), func(i int) {
			o, ok := a.parsePost(items[i])
			if !ok || seen[o.SourceID] {
				return
			}
			seen[o.SourceID] = true
			results = append(results, o)
		})
	}

	log.Printf("[%s] construction-related posts: %d", a.src.ID, len(results))
	return results, nil
}

func (a *WordPressAdapter) parsePost(post gjson.Result) (models.Opportunity, bool) {
	title := HTMLToText(post.Get("title.rendered").String())
	excerpt := HTMLToText(post.Get("excerpt.rendered").String())
	combined := title + " " + excerpt

	if !acceptTitle(title) || !LooksLikeBidListing(title, combined, a.env.Matcher) {
		return models.Opportunity{}, false
	}
	if !a.env.Matcher.IsConstructionRelated(combined) {
		return models.Opportunity{}, false
	}

	o := a.newOpportunity(title)
	o.SourceID = post.Get("id").String()
	o.SourceURL = post.Get("link").String()
	if o.SourceID == "" || o.SourceID == "0" {
		o.SourceID = StableID(a.src.ID, title, o.SourceURL)
	}
	if o.SourceURL == "" {
		o.SourceURL = a.src.BaseURL
	}
	o.Description = TruncateText(excerpt, 2000)
	if date := post.Get("date").String(); len(date) >= 10 {
		o.PostedDate = date[:10]
	}

	content := post.Get("content.rendered").String()
	contentText := HTMLToText(content)
	o.DueDate = dueDateFromText(excerpt + " " + contentText)
	o.EstimatedValueMin, o.EstimatedValueMax = parseValue(excerpt + " " + contentText)
	o.AgencyName = a.name()
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitizeHTML(content))); err == nil {
		o.Attachments = collectAttachmentLinks(o.SourceURL, doc.Selection)
	}

	a.classify(&o, combined)
	return o, true
}
