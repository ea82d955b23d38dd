// Package profile matches listing text against the firm's keyword buckets,
// construction filter terms and service area.
package profile

import (
	"regexp"
	"strings"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

var zipRegex = regexp.MustCompile(`\b(2[012]\d{3})\b`)

type bucket struct {
	projectType string
	terms       []string
	lower       []string
}

// Location is what MatchLocation could recover from free text.
type Location struct {
	City   string
	County string
	State  string
	Zip    string
}

// Matcher is built once from config and shared by adapters and the scorer.
// It is safe for concurrent use.
type Matcher struct {
	buckets      []bucket
	filter       []string
	cities       []string
	counties     []string
	countyKeys   []string
	defaultState string
}

func New(cfg *config.Config) *Matcher {
	m := &Matcher{
		cities:       cfg.ServiceArea.Cities,
		counties:     cfg.ServiceArea.Counties,
		defaultState: cfg.ServiceArea.DefaultState,
	}
	if m.defaultState == "" {
		m.defaultState = "VA"
	}

	for _, b := range cfg.Keywords {
		lb := bucket{projectType: b.Type, terms: b.Terms}
		for _, t := range b.Terms {
			lb.lower = append(lb.lower, strings.ToLower(t))
		}
		m.buckets = append(m.buckets, lb)
	}
	for _, t := range cfg.FilterTerms {
		m.filter = append(m.filter, strings.ToLower(t))
	}
	for _, c := range m.counties {
		m.countyKeys = append(m.countyKeys, CountyKey(c))
	}
	return m
}

// CountyKey lowercases a county name and drops the word "county".
func CountyKey(county string) string {
	k := strings.ToLower(strings.TrimSpace(county))
	k = strings.ReplaceAll(k, " county", "")
	return strings.TrimSpace(k)
}

// IsConstructionRelated reports whether text contains any filter term.
func (m *Matcher) IsConstructionRelated(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range m.filter {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// MatchKeywords classifies text by the bucket with the most hits. Ties go to
// the bucket declared first; zero hits yields "general". The returned matches
// are the de-duplicated union across all buckets in declaration order.
func (m *Matcher) MatchKeywords(text string) (string, []string) {
	lower := strings.ToLower(text)
	bestType := models.ProjectTypeGeneral
	bestCount := 0
	var all []string
	seen := make(map[string]bool)

	for _, b := range m.buckets {
		count := 0
		for i, t := range b.lower {
			if !strings.Contains(lower, t) {
				continue
			}
			count++
			if !seen[t] {
				seen[t] = true
				all = append(all, b.terms[i])
			}
		}
		if count > bestCount {
			bestCount = count
			bestType = b.projectType
		}
	}
	return bestType, all
}

// BucketHits reports whether any term of the named bucket appears in text.
func (m *Matcher) BucketHits(projectType, text string) bool {
	lower := strings.ToLower(text)
	for _, b := range m.buckets {
		if b.projectType != projectType {
			continue
		}
		for _, t := range b.lower {
			if strings.Contains(lower, t) {
				return true
			}
		}
	}
	return false
}

// InBucket reports whether term is one of the named bucket's terms.
func (m *Matcher) InBucket(projectType, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	for _, b := range m.buckets {
		if b.projectType != projectType {
			continue
		}
		for _, t := range b.lower {
			if t == term {
				return true
			}
		}
	}
	return false
}

// MatchLocation extracts city, county and ZIP in that order, first listed
// match winning for each. State comes from DC or Maryland tokens, otherwise
// fallbackState, otherwise the configured default.
func (m *Matcher) MatchLocation(text, fallbackState string) Location {
	lower := strings.ToLower(text)
	var loc Location

	for _, c := range m.cities {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			loc.City = c
			break
		}
	}
	for i, key := range m.countyKeys {
		if key != "" && strings.Contains(lower, key) {
			loc.County = m.counties[i]
			break
		}
	}
	if z := zipRegex.FindString(text); z != "" {
		loc.Zip = z
	}

	padded := " " + lower + " "
	switch {
	case strings.Contains(lower, "washington") || strings.Contains(padded, " dc ") || strings.Contains(lower, "d.c."):
		loc.State = "DC"
	case strings.Contains(lower, "maryland") || strings.Contains(padded, " md "):
		loc.State = "MD"
	case fallbackState != "":
		loc.State = fallbackState
	default:
		loc.State = m.defaultState
	}
	return loc
}

// Apply fills project type, keywords and any missing location fields on o
// from text. Existing values set by the adapter are kept.
func (m *Matcher) Apply(o *models.Opportunity, text, fallbackState string) {
	o.ProjectType, o.MatchedKeywords = m.MatchKeywords(text)
	loc := m.MatchLocation(text, fallbackState)
	if o.LocationCity == "" {
		o.LocationCity = loc.City
	}
	if o.LocationCounty == "" {
		o.LocationCounty = loc.County
	}
	if o.LocationZip == "" {
		o.LocationZip = loc.Zip
	}
	if o.LocationState == "" {
		o.LocationState = loc.State
	}
}
