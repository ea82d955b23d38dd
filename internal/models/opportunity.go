package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the manual review state of an opportunity.
type Status string

const (
	StatusNew      Status = "new"
	StatusReviewed Status = "reviewed"
	StatusBid      Status = "bid"
	StatusNoBid    Status = "no_bid"
	StatusAwarded  Status = "awarded"
)

var validStatuses = map[Status]bool{
	StatusNew:      true,
	StatusReviewed: true,
	StatusBid:      true,
	StatusNoBid:    true,
	StatusAwarded:  true,
}

func (s Status) Valid() bool {
	return validStatuses[s]
}

// ProjectTypeGeneral is used when no keyword bucket matched.
const ProjectTypeGeneral = "general"

type Opportunity struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	SourceURL string `json:"source_url"`
	SourceID  string `json:"source_id"` // Native id or stable hash, unique per source

	Description string `json:"description"`
	ProjectType string `json:"project_type"`

	LocationCity    string `json:"location_city"`
	LocationCounty  string `json:"location_county"`
	LocationState   string `json:"location_state"`
	LocationZip     string `json:"location_zip"`
	LocationAddress string `json:"location_address"`

	EstimatedValueMin *float64 `json:"estimated_value_min"`
	EstimatedValueMax *float64 `json:"estimated_value_max"`
	BudgetDisplay     string   `json:"budget_display"`

	// Raw date text as published by the source
	PostedDate       string `json:"posted_date"`
	DueDate          string `json:"due_date"`
	PreBidDate       string `json:"pre_bid_date"`
	ProjectStartDate string `json:"project_start_date"`
	ProjectEndDate   string `json:"project_end_date"`

	AgencyName   string `json:"agency_name"`
	ContactName  string `json:"contact_name"`
	ContactEmail string `json:"contact_email"`
	ContactPhone string `json:"contact_phone"`

	NAICSCode        string `json:"naics_code"`
	SetAside         string `json:"set_aside"`
	SolicitationType string `json:"solicitation_type"`

	RelevanceScore  int       `json:"relevance_score"`
	MatchedKeywords []string  `json:"matched_keywords"`
	CategoryTags    []string  `json:"category_tags"`
	ScrapedAt       time.Time `json:"scraped_at"`
	Status          Status    `json:"status"`
	Notes           string    `json:"notes"`
	Attachments     []string  `json:"attachments"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasValue reports whether any estimated value data is present.
func (o Opportunity) HasValue() bool {
	return o.EstimatedValueMin != nil || o.EstimatedValueMax != nil
}

// LocationDisplay joins the non-empty city, county and state.
func (o Opportunity) LocationDisplay() string {
	var parts []string
	for _, p := range []string{o.LocationCity, o.LocationCounty, o.LocationState} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// ValueDisplay prefers the published budget text over the parsed range.
func (o Opportunity) ValueDisplay() string {
	if o.BudgetDisplay != "" {
		return o.BudgetDisplay
	}
	if !o.HasValue() {
		return ""
	}
	min, max := 0.0, 0.0
	if o.EstimatedValueMin != nil {
		min = *o.EstimatedValueMin
	}
	if o.EstimatedValueMax != nil {
		max = *o.EstimatedValueMax
	} else {
		max = min
	}
	if min == max || min == 0 {
		return formatDollars(max)
	}
	return formatDollars(min) + " - " + formatDollars(max)
}

func formatDollars(v float64) string {
	whole := fmt.Sprintf("%.0f", v)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return "$" + b.String()
}

// Float64Ptr is a small helper for optional values.
func Float64Ptr(v float64) *float64 {
	return &v
}
