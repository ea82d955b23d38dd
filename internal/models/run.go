package models

import "time"

// SearchRun is the audit record of one orchestration pass. Rows are never updated.
type SearchRun struct {
	ID               int64          `json:"id"`
	RunDate          time.Time      `json:"run_date"`
	SourcesSearched  []string       `json:"sources_searched"`
	TotalFound       int            `json:"total_found"`
	NewOpportunities int            `json:"new_opportunities"`
	Errors           []string       `json:"errors"`
	DurationSeconds  float64        `json:"duration_seconds"`
	ByType           map[string]int `json:"by_type"`
	BySource         map[string]int `json:"by_source"`
	FoundPerSource   map[string]int `json:"found_per_source"`
	Skipped          []string       `json:"skipped,omitempty"`
}
