package ingest

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/oakbuilders/bid-finder/internal/db"
)

// normalizeSpace collapses multiple spaces into one and trims the string.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanText normalizes whitespace and drops invalid UTF-8 before storage.
func cleanText(s string) string {
	return normalizeSpace(sanitizeUTF8(s))
}

// appendUnique adds v unless an equal value (ignoring case) is already present.
func appendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, existing := range list {
		if strings.EqualFold(existing, v) {
			return list
		}
	}
	return append(list, v)
}

// StableID derives a source id for listings that publish none. The title part
// is normalized so cosmetic edits between runs keep the same id.
func StableID(source, title string, extra ...string) string {
	parts := append([]string{source, db.NormalizeTitle(title)}, extra...)
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// TruncateText cuts a string to max length, appending ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen
	if maxLen > 3 {
		cut = maxLen - 3
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if maxLen > 3 {
		return text[:cut] + "..."
	}
	return text[:cut]
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitizeHTML(html)))
	if err != nil {
		return cleanText(html)
	}
	return cleanText(doc.Text())
}

// sanitizeUTF8 removes invalid UTF-8 byte sequences that cause PostgreSQL errors.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}

var ugcPolicy = bluemonday.UGCPolicy()

// sanitizeHTML strips scripts, iframes and unsafe attributes.
func sanitizeHTML(s string) string {
	return ugcPolicy.Sanitize(s)
}

// Query parameters that vary per visit on procurement portals and never
// identify a listing.
var volatileParams = []string{"fbclid", "gclid", "mc_cid", "mc_eid", "ref", "session", "sessionid", "jsessionid", "sid", "_ga"}

// CanonicalizeURL lowercases the host and drops fragments and volatile query
// parameters, so the same listing page always yields the same URL.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	for _, p := range volatileParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
