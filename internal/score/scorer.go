// Package score rates opportunities 0-100 for fit with the firm's profile.
package score

import (
	"strings"
	"time"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
	"github.com/oakbuilders/bid-finder/internal/profile"
)

// Breakdown holds the five sub-scores. Each is clamped to its cap independently.
type Breakdown struct {
	Keyword  int `json:"keyword"`
	Location int `json:"location"`
	Budget   int `json:"budget"`
	Deadline int `json:"deadline"`
	SetAside int `json:"set_aside"`
	Total    int `json:"total"`
}

type Scorer struct {
	company config.Company
	area    config.ServiceArea
	rules   config.Scoring
	matcher *profile.Matcher

	// Now is the clock used for deadline scoring.
	Now func() time.Time
}

func New(cfg *config.Config, matcher *profile.Matcher) *Scorer {
	return &Scorer{
		company: cfg.Company,
		area:    cfg.ServiceArea,
		rules:   cfg.Scoring,
		matcher: matcher,
		Now:     time.Now,
	}
}

// Score is pure apart from the clock.
func (s *Scorer) Score(o models.Opportunity) Breakdown {
	caps := s.rules.Caps
	b := Breakdown{
		Keyword:  clamp(s.keyword(o), caps.Keyword),
		Location: clamp(s.location(o), caps.Location),
		Budget:   clamp(s.budget(o), caps.Budget),
		Deadline: clamp(s.deadline(o), caps.Deadline),
		SetAside: clamp(s.setAside(o), caps.SetAside),
	}
	b.Total = b.Keyword + b.Location + b.Budget + b.Deadline + b.SetAside
	if b.Total > 100 {
		b.Total = 100
	}
	return b
}

func (s *Scorer) keyword(o models.Opportunity) int {
	combined := o.Title + " " + o.Description
	matches := o.MatchedKeywords
	if len(matches) == 0 && s.matcher != nil {
		_, matches = s.matcher.MatchKeywords(combined)
	}
	if len(matches) == 0 {
		return 0
	}

	limit := s.rules.Caps.Keyword - s.rules.CoreBonus
	base := len(matches) * s.rules.KeywordPerMatch
	if base > limit {
		base = limit
	}
	if s.hitsCore(matches, combined) {
		base += s.rules.CoreBonus
	}
	return base
}

func (s *Scorer) hitsCore(matches []string, text string) bool {
	core := s.company.CoreSpecialty
	if core == "" || s.matcher == nil {
		return false
	}
	for _, m := range matches {
		if s.matcher.InBucket(core, m) {
			return true
		}
	}
	return s.matcher.BucketHits(core, text)
}

func (s *Scorer) location(o models.Opportunity) int {
	max := s.rules.Caps.Location

	if city := strings.ToLower(strings.TrimSpace(o.LocationCity)); city != "" {
		for _, c := range s.area.Cities {
			if c != "" && strings.Contains(city, strings.ToLower(c)) {
				return max
			}
		}
	}
	if county := strings.ToLower(strings.TrimSpace(o.LocationCounty)); county != "" {
		for _, c := range s.area.Counties {
			if key := profile.CountyKey(c); key != "" && strings.Contains(county, key) {
				return max
			}
		}
	}
	if zip := strings.TrimSpace(o.LocationZip); zip != "" {
		for _, p := range s.area.ZipPrefixes {
			if strings.HasPrefix(zip, p) {
				return max - s.rules.ZipDeduction
			}
		}
	}
	if state := normalizeState(o.LocationState); state != "" {
		for _, st := range s.area.States {
			if strings.EqualFold(st, state) {
				return max / 2
			}
		}
	}
	return 0
}

func normalizeState(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "virginia":
		return "VA"
	case "maryland":
		return "MD"
	case "district of columbia", "washington dc", "d.c.":
		return "DC"
	}
	return strings.TrimSpace(s)
}

func (s *Scorer) budget(o models.Opportunity) int {
	if !o.HasValue() {
		return 0
	}
	max := float64(s.rules.Caps.Budget)
	ourMin, ourMax := s.company.ProjectMin, s.company.ProjectMax

	valMin := 0.0
	if o.EstimatedValueMin != nil {
		valMin = *o.EstimatedValueMin
	}
	valMax := valMin
	if o.EstimatedValueMax != nil {
		valMax = *o.EstimatedValueMax
	}

	switch {
	case valMin >= ourMin && valMax <= ourMax:
		return int(max)
	case valMin <= ourMax && valMax >= ourMin:
		return int(max * s.rules.OverlapRatio)
	case valMax < ourMin && valMax > s.rules.UnderRangeFloor:
		return int(max * s.rules.UnderRangeRatio)
	case valMin > ourMax && valMin < s.rules.OverRangeCeiling:
		return int(max * s.rules.OverRangeRatio)
	}
	return 0
}

func (s *Scorer) deadline(o models.Opportunity) int {
	if strings.TrimSpace(o.DueDate) == "" {
		return 0
	}
	due, ok := models.ParseDueDate(o.DueDate)
	if !ok {
		return s.rules.Caps.Deadline / 3
	}

	days := models.DaysUntil(due, s.Now())
	if days < 0 {
		return 0
	}
	for _, band := range s.rules.DeadlineBands {
		if days < band.MaxDays {
			return band.Points
		}
	}
	return s.rules.DeadlineFarPoints
}

func (s *Scorer) setAside(o models.Opportunity) int {
	sa := strings.ToLower(strings.TrimSpace(o.SetAside))
	if sa == "" {
		return 0
	}
	for _, f := range s.rules.FavorableSetAsides {
		if strings.Contains(sa, strings.ToLower(f)) {
			return s.rules.Caps.SetAside
		}
	}
	for _, f := range s.rules.OpenSetAsides {
		if strings.Contains(sa, strings.ToLower(f)) {
			return s.rules.Caps.SetAside / 2
		}
	}
	return s.rules.OtherSetAsidePoints
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
