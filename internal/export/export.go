// Package export writes stored opportunities as CSV or JSON for estimators
// who work in spreadsheets.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/oakbuilders/bid-finder/internal/models"
)

const maxKeywords = 5

var header = table.Row{
	"Score", "Status", "Title", "Source", "Type", "Location", "Due Date",
	"Budget", "Agency", "Contact", "Set-Aside", "URL", "Keywords",
}

// Record is the flattened export shape of one opportunity.
type Record struct {
	ID       int64    `json:"id"`
	Score    int      `json:"score"`
	Status   string   `json:"status"`
	Title    string   `json:"title"`
	Source   string   `json:"source"`
	Type     string   `json:"project_type"`
	Location string   `json:"location"`
	DueDate  string   `json:"due_date"`
	Budget   string   `json:"budget"`
	Agency   string   `json:"agency"`
	Contact  string   `json:"contact"`
	SetAside string   `json:"set_aside"`
	URL      string   `json:"url"`
	Keywords []string `json:"keywords"`
}

// NewRecord flattens o. Keywords are capped at five.
func NewRecord(o models.Opportunity) Record {
	keywords := o.MatchedKeywords
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	if keywords == nil {
		keywords = []string{}
	}

	contact := o.ContactName
	for _, part := range []string{o.ContactEmail, o.ContactPhone} {
		if part == "" {
			continue
		}
		if contact != "" {
			contact += " / "
		}
		contact += part
	}

	return Record{
		ID:       o.ID,
		Score:    o.RelevanceScore,
		Status:   string(o.Status),
		Title:    o.Title,
		Source:   o.Source,
		Type:     o.ProjectType,
		Location: o.LocationDisplay(),
		DueDate:  o.DueDate,
		Budget:   o.ValueDisplay(),
		Agency:   o.AgencyName,
		Contact:  contact,
		SetAside: o.SetAside,
		URL:      o.SourceURL,
		Keywords: keywords,
	}
}

func (r Record) row() table.Row {
	return table.Row{
		strconv.Itoa(r.Score), r.Status, r.Title, r.Source, r.Type, r.Location, r.DueDate,
		r.Budget, r.Agency, r.Contact, r.SetAside, r.URL, strings.Join(r.Keywords, "; "),
	}
}

// WriteCSV renders opps as CSV with a header row.
func WriteCSV(w io.Writer, opps []models.Opportunity) error {
	t := table.NewWriter()
	t.AppendHeader(header)
	for _, o := range opps {
		t.AppendRow(NewRecord(o).row())
	}
	out := t.RenderCSV()
	if _, err := io.WriteString(w, out+"\n"); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

type document struct {
	ExportedAt    time.Time `json:"exported_at"`
	Count         int       `json:"count"`
	Opportunities []Record  `json:"opportunities"`
}

// WriteJSON writes an indented document with the export time and records.
func WriteJSON(w io.Writer, opps []models.Opportunity, exportedAt time.Time) error {
	doc := document{
		ExportedAt:    exportedAt.UTC(),
		Count:         len(opps),
		Opportunities: make([]Record, 0, len(opps)),
	}
	for _, o := range opps {
		doc.Opportunities = append(doc.Opportunities, NewRecord(o))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// Filename suggests a dated file name for the given format.
func Filename(format string, now time.Time) string {
	return fmt.Sprintf("bid_opportunities_%s.%s", now.Format("20060102"), format)
}
