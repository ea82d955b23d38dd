package ingest

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/oakbuilders/bid-finder/internal/models"
	"github.com/oakbuilders/bid-finder/internal/profile"
)

// Navigation and informational link text that never names a solicitation.
var skipPatterns = []string{
	"login", "sign in", "sign up", "register", "contact us",
	"home", "about us", "faq", "help", "privacy",
	"terms of", "sitemap", "search", "menu", "navigation",
	"skip to", "accessibility", "translate", "language",
	"facebook", "twitter", "instagram", "youtube", "linkedin",
	"subscribe", "newsletter", "calendar", "events",
	"how to", "learn more", "read more", "click here",
	"departments", "directory", "staff", "employee",
	"pay online", "report a", "request a", "submit a",
	"map", "hours of operation", "location",
	"news", "press release", "meeting",
	"download", "forms", "application form",
	"job", "career", "employment", "human resources",
	"agendas", "minutes", "board meeting",
	"code of ordinances", "zoning",
	"parks", "recreation", "library",
	"utility", "trash", "recycling", "water bill",
	"permits", "licenses", "inspections",
	"budget report", "financial report", "annual report",
	"view all", "see all", "show all", "back to", "return to",
	"vendor registration", "vendor self-service",
	"copyright", "powered by", "all rights reserved",
	"share this", "print this", "email this",
	"awarded bids", "current bids", "closed bids", "open bids",
	"bid opening", "bid results", "bid tabulation",
	"bid opportunities", "archived bids", "expired bids",
	"past bids", "active bids", "upcoming bids",
	"collaboration portal", "procurement portal",
	"vendor portal", "supplier portal", "bidder portal",
	"formal solicitations", "informal solicitations",
	"results and awards", "award results",
	"how to bid", "bidding process",
	"procurement home", "purchasing home",
}

var bidIndicators = []string{
	"solicitation", "rfp", "rfq", "ifb", "itb",
	"invitation for bid", "request for proposal",
	"request for quote", "request for qualification",
}

var (
	sectionHeaderRegex = regexp.MustCompile(`(?i)^(?:awarded|current|closed|open|active|past|archived|expired|upcoming)\s+bids?$|^bid\s+(?:opening|results?|tabulation|opportunities|list)`)
	solNumberRegex     = regexp.MustCompile(`(?i)(?:IFB|RFP|RFQ|ITB|SOL|BID)[\s#.-]*\d`)
	refNumberRegex     = regexp.MustCompile(`#?\d{2,4}-\d{2,}`)
	bidWordRegex       = regexp.MustCompile(`\bbids?\b`)
)

// Page chrome removed before link discovery.
const chromeSelectors = "nav, header, footer, .nav, .header, .footer, " +
	"#nav, #header, #footer, .menu, .sidebar, " +
	".breadcrumb, .pagination, .social-links, " +
	"#breadcrumb, .dropdown-menu, .mega-menu"

const (
	minTitleLen = 10
	maxTitleLen = 300
)

// hasBidIndicator reports whether text names a solicitation type.
func hasBidIndicator(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range bidIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func isSkipTitle(title string) bool {
	lower := strings.ToLower(title)
	for _, p := range skipPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// LooksLikeBidListing separates real solicitations from section headers and
// navigation. title is the link text; combined adds the surrounding row text.
func LooksLikeBidListing(title, combined string, m *profile.Matcher) bool {
	if sectionHeaderRegex.MatchString(strings.TrimSpace(title)) {
		return false
	}
	if hasBidIndicator(title) {
		return true
	}
	if solNumberRegex.MatchString(title) || refNumberRegex.MatchString(title) {
		return true
	}
	if len(title) >= 25 && m.IsConstructionRelated(combined) {
		return true
	}
	return len(title) >= 30 && bidWordRegex.MatchString(strings.ToLower(title))
}

// acceptTitle applies the length bounds and skip list shared by listing adapters.
func acceptTitle(title string) bool {
	if len(title) < minTitleLen || len(title) > maxTitleLen {
		return false
	}
	return !isSkipTitle(title)
}

// IsValidHref rejects anchors, script links and bare site roots.
func IsValidHref(href string) bool {
	href = strings.TrimSpace(href)
	switch href {
	case "", "#", "/":
		return false
	}
	for _, prefix := range []string{"#", "javascript:", "mailto:", "tel:"} {
		if strings.HasPrefix(strings.ToLower(href), prefix) {
			return false
		}
	}
	return true
}

// MakeDetailURL resolves href against the listing page. Links that resolve
// to the site root fall back to the listing page itself.
func MakeDetailURL(baseURL, href string) string {
	if !IsValidHref(href) {
		return baseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return baseURL
	}
	abs := base.ResolveReference(ref)
	switch abs.Path {
	case "", "/", "/index.html", "/index.htm":
		return baseURL
	}
	return abs.String()
}

func stripChrome(doc *goquery.Document) {
	doc.Find(chromeSelectors).Remove()
}

type listingLink struct {
	Title string
	Href  string
	Extra string
	Sel   *goquery.Selection
}

func firstValidLink(sel *goquery.Selection) (string, string, bool) {
	link := sel.Find("a[href]").First()
	if link.Length() == 0 {
		return "", "", false
	}
	title := normalizeSpace(link.Text())
	href, _ := link.Attr("href")
	if title == "" || !IsValidHref(href) {
		return "", "", false
	}
	return title, href, true
}

// findLinksBroad tries table rows, list items, card-like blocks and finally
// every anchor. The first strategy that yields anything wins.
func findLinksBroad(doc *goquery.Document) []listingLink {
	var out []listingLink

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		title, href, ok := firstValidLink(row)
		if !ok {
			return
		}
		var cells []string
		row.Find("td").Each(func(_ int, td *goquery.Selection) {
			if t := normalizeSpace(td.Text()); t != "" {
				cells = append(cells, t)
			}
		})
		out = append(out, listingLink{Title: title, Href: href, Extra: strings.Join(cells, " "), Sel: row})
	})
	if len(out) > 0 {
		return out
	}

	for _, selector := range []string{"li", "div.row, div.item, div.listing, div.card, article"} {
		doc.Find(selector).Each(func(_ int, block *goquery.Selection) {
			if title, href, ok := firstValidLink(block); ok {
				out = append(out, listingLink{Title: title, Href: href, Extra: normalizeSpace(block.Text()), Sel: block})
			}
		})
		if len(out) > 0 {
			return out
		}
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		text := normalizeSpace(a.Text())
		href, _ := a.Attr("href")
		if len(text) > 10 && IsValidHref(href) {
			out = append(out, listingLink{Title: text, Href: href, Extra: text, Sel: a})
		}
	})
	return out
}

// linksIn applies a configured row selector instead of the cascade.
func linksIn(doc *goquery.Document, selector string) []listingLink {
	var out []listingLink
	doc.Find(selector).Each(func(_ int, row *goquery.Selection) {
		if title, href, ok := firstValidLink(row); ok {
			out = append(out, listingLink{Title: title, Href: href, Extra: normalizeSpace(row.Text()), Sel: row})
		}
	})
	return out
}

var (
	dueLabelRegex   = regexp.MustCompile(`(?i)\b(?:due|closing|closes|deadline|response date|opening date)\b`)
	dateInTextRegex = regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}[/-]\d{1,2}[/-]\d{4}|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4})(?:\s+(?:at\s+)?\d{1,2}(?::\d{2})?\s*(?:[ap]\.?m\.?)?)?`)
)

// dueDateFromText returns the raw date text that most likely names the due
// date: the first date after a due/closing label, otherwise the latest date.
func dueDateFromText(text string) string {
	if loc := dueLabelRegex.FindStringIndex(text); loc != nil {
		if m := dateInTextRegex.FindString(text[loc[1]:]); m != "" {
			if _, ok := models.ParseDueDate(m); ok {
				return strings.TrimSpace(m)
			}
		}
	}

	var best string
	var bestDate int64
	for _, m := range dateInTextRegex.FindAllString(text, -1) {
		d, ok := models.ParseDueDate(m)
		if !ok {
			continue
		}
		if best == "" || d.Unix() > bestDate {
			best, bestDate = strings.TrimSpace(m), d.Unix()
		}
	}
	return best
}
