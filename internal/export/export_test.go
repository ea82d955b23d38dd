package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/oakbuilders/bid-finder/internal/models"
)

func sample() []models.Opportunity {
	return []models.Opportunity{
		{
			ID:                12,
			Title:             "Garage Waterproofing Phase 2",
			Source:            "fairfax_county",
			SourceURL:         "https://example.gov/bids/12",
			ProjectType:       "waterproofing",
			LocationCounty:    "Fairfax County",
			LocationState:     "VA",
			DueDate:           "2025-06-30",
			EstimatedValueMin: models.Float64Ptr(250000),
			EstimatedValueMax: models.Float64Ptr(400000),
			AgencyName:        "DPWES",
			ContactName:       "Pat Buyer",
			ContactEmail:      "pat@example.gov",
			RelevanceScore:    76,
			Status:            models.StatusNew,
			MatchedKeywords:   []string{"waterproofing", "deck coating", "membrane", "joint sealant", "caulking", "traffic coating"},
		},
		{ID: 13, Title: "Interior Renovation Suite 400", Source: "sam_gov", RelevanceScore: 41, Status: models.StatusReviewed},
	}
}

func TestNewRecord(t *testing.T) {
	r := NewRecord(sample()[0])
	if len(r.Keywords) != 5 || r.Keywords[4] != "caulking" {
		t.Errorf("keywords = %v, want first five", r.Keywords)
	}
	if r.Location != "Fairfax County, VA" {
		t.Errorf("location = %q", r.Location)
	}
	if r.Budget != "$250,000 - $400,000" {
		t.Errorf("budget = %q", r.Budget)
	}
	if r.Contact != "Pat Buyer / pat@example.gov" {
		t.Errorf("contact = %q", r.Contact)
	}

	empty := NewRecord(sample()[1])
	if empty.Keywords == nil || empty.Budget != "" || empty.Contact != "" {
		t.Errorf("empty record = %+v", empty)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sample()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(strings.ToLower(lines[0]), "score,status,title,source,type") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "76,new,Garage Waterproofing Phase 2,fairfax_county,waterproofing") {
		t.Errorf("first row = %q", lines[1])
	}
	if !strings.Contains(lines[1], "waterproofing; deck coating; membrane; joint sealant; caulking") {
		t.Errorf("keywords missing from %q", lines[1])
	}
	if strings.Contains(lines[1], "traffic coating") {
		t.Errorf("sixth keyword exported: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "41,reviewed,Interior Renovation Suite 400,sam_gov") {
		t.Errorf("second row = %q", lines[2])
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := WriteJSON(&buf, sample(), at); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var doc struct {
		ExportedAt    time.Time `json:"exported_at"`
		Count         int       `json:"count"`
		Opportunities []Record  `json:"opportunities"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if doc.Count != 2 || len(doc.Opportunities) != 2 || !doc.ExportedAt.Equal(at) {
		t.Fatalf("doc = %+v", doc)
	}
	if doc.Opportunities[0].ID != 12 || doc.Opportunities[0].Score != 76 {
		t.Errorf("first = %+v", doc.Opportunities[0])
	}

	buf.Reset()
	if err := WriteJSON(&buf, nil, at); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"opportunities": []`) {
		t.Errorf("empty export should have an empty list: %s", buf.String())
	}
}

func TestFilename(t *testing.T) {
	got := Filename("csv", time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if got != "bid_opportunities_20250602.csv" {
		t.Errorf("Filename = %q", got)
	}
}
