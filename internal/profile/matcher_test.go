package profile

import (
	"reflect"
	"testing"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Keywords: []config.KeywordBucket{
			{Type: "waterproofing", Terms: []string{"waterproofing", "sealant"}},
			{Type: "tenant_improvements", Terms: []string{"interior renovation", "millwork"}},
			{Type: "general_contracting", Terms: []string{"roof repair", "sealant"}},
		},
		FilterTerms: []string{"construction", "renovation", "repair"},
		ServiceArea: config.ServiceArea{
			Cities:       []string{"Falls Church", "Fairfax"},
			Counties:     []string{"Arlington County", "Fairfax County"},
			DefaultState: "VA",
		},
	}
}

func TestMatchKeywords(t *testing.T) {
	m := New(testConfig())

	tests := []struct {
		name     string
		text     string
		wantType string
		want     []string
	}{
		{"no hits", "Office supplies", models.ProjectTypeGeneral, nil},
		{"single bucket", "Interior renovation and millwork", "tenant_improvements", []string{"interior renovation", "millwork"}},
		{"tie goes to first bucket", "Roof repair and waterproofing", "waterproofing", []string{"waterproofing", "roof repair"}},
		{"shared term counted once in union", "Sealant replacement", "waterproofing", []string{"sealant"}},
		{"case insensitive", "WATERPROOFING", "waterproofing", []string{"waterproofing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, got := m.MatchKeywords(tt.text)
			if gotType != tt.wantType {
				t.Errorf("type = %q, want %q", gotType, tt.wantType)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchLocation(t *testing.T) {
	m := New(testConfig())

	tests := []struct {
		name     string
		text     string
		fallback string
		want     Location
	}{
		{"city and county", "Falls Church site in Arlington County", "", Location{City: "Falls Church", County: "Arlington County", State: "VA"}},
		{"first listed city wins", "Fairfax and Falls Church", "", Location{City: "Falls Church", County: "Fairfax County", State: "VA"}},
		{"zip", "Project at 22046", "", Location{Zip: "22046", State: "VA"}},
		{"dc token", "Work in Washington, DC", "", Location{State: "DC"}},
		{"maryland", "Bethesda, Maryland", "VA", Location{State: "MD"}},
		{"fallback state", "Somewhere", "MD", Location{State: "MD"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.MatchLocation(tt.text, tt.fallback); got != tt.want {
				t.Errorf("MatchLocation(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsConstructionRelated(t *testing.T) {
	m := New(testConfig())
	if !m.IsConstructionRelated("HVAC Renovation at Station 4") {
		t.Error("expected renovation to match")
	}
	if m.IsConstructionRelated("Janitorial Supplies") {
		t.Error("janitorial supplies should not match")
	}
}

func TestBucketHelpers(t *testing.T) {
	m := New(testConfig())
	if !m.InBucket("waterproofing", "Sealant") {
		t.Error("InBucket should fold case")
	}
	if m.InBucket("waterproofing", "millwork") {
		t.Error("millwork is not a waterproofing term")
	}
	if !m.BucketHits("waterproofing", "Garage waterproofing phase 2") {
		t.Error("BucketHits missed waterproofing")
	}
}
