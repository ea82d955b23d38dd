package ingest

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/oakbuilders/bid-finder/internal/profile"
)

func TestLooksLikeBidListing(t *testing.T) {
	m := profile.New(testConfig(t))

	tests := []struct {
		title    string
		combined string
		want     bool
	}{
		{"Awarded Bids", "Awarded Bids", false},
		{"Bid Results", "Bid Results construction", false},
		{"Request for Proposal: Courthouse Painting", "", true},
		{"IFB-2024-001 Fence Replacement", "", true},
		{"PC #194-18537 Annex", "", true},
		{"Community Center Roof Replacement Project", "Community Center Roof Replacement Project", true},
		{"Community Center Furniture", "Community Center Furniture", false},
		{"Annual landscaping services bids due soon", "", true},
		{"Short bids", "", false},
	}

	for _, tt := range tests {
		combined := tt.combined
		if combined == "" {
			combined = tt.title
		}
		if got := LooksLikeBidListing(tt.title, combined, m); got != tt.want {
			t.Errorf("LooksLikeBidListing(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}

func TestAcceptTitle(t *testing.T) {
	for title, want := range map[string]bool{
		"Short":                              false,
		"Contact Us for procurement support": false,
		"IFB 24-017 Garage Waterproofing":    true,
		strings.Repeat("x", 301):             false,
	} {
		if got := acceptTitle(title); got != want {
			t.Errorf("acceptTitle(%q) = %v, want %v", TruncateText(title, 40), got, want)
		}
	}
}

func TestMakeDetailURL(t *testing.T) {
	base := "https://www.fairfaxcounty.gov/procurement/current-solicitations"
	tests := map[string]string{
		"":                         base,
		"#":                        base,
		"javascript:void(0)":       base,
		"mailto:buyer@example.gov": base,
		"/":                        base,
		"/index.html":              base,
		"/procurement/bid/123":     "https://www.fairfaxcounty.gov/procurement/bid/123",
		"docs/ifb-24.pdf":          "https://www.fairfaxcounty.gov/procurement/docs/ifb-24.pdf",
	}
	for href, want := range tests {
		if got := MakeDetailURL(base, href); got != want {
			t.Errorf("MakeDetailURL(%q) = %q, want %q", href, got, want)
		}
	}
}

func docFrom(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestFindLinksBroadCascade(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		wantCount int
		wantTitle string
		wantExtra string
	}{
		{
			name: "table rows win",
			html: `<table><tr><td><a href="/bid/1">IFB 24-001 Roof</a></td><td>Due 06/30/2025</td></tr></table>
				<ul><li><a href="/x">List item link</a></li></ul>`,
			wantCount: 1,
			wantTitle: "IFB 24-001 Roof",
			wantExtra: "IFB 24-001 Roof Due 06/30/2025",
		},
		{
			name:      "list items",
			html:      `<ul><li><a href="/bid/2">RFP 25-3 Paving</a> closes soon</li><li><a href="#">Top</a></li></ul>`,
			wantCount: 1,
			wantTitle: "RFP 25-3 Paving",
		},
		{
			name:      "cards",
			html:      `<div class="card"><a href="/bid/3">Card listing title</a></div>`,
			wantCount: 1,
			wantTitle: "Card listing title",
		},
		{
			name:      "bare anchors need more than ten chars",
			html:      `<p><a href="/a">Short</a><a href="/b">A much longer anchor text</a></p>`,
			wantCount: 1,
			wantTitle: "A much longer anchor text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := findLinksBroad(docFrom(t, tt.html))
			if len(links) != tt.wantCount {
				t.Fatalf("got %d links: %+v", len(links), links)
			}
			if links[0].Title != tt.wantTitle {
				t.Errorf("title = %q, want %q", links[0].Title, tt.wantTitle)
			}
			if tt.wantExtra != "" && links[0].Extra != tt.wantExtra {
				t.Errorf("extra = %q, want %q", links[0].Extra, tt.wantExtra)
			}
		})
	}
}

func TestStripChrome(t *testing.T) {
	doc := docFrom(t, `<nav><a href="/bids">Navigation bids link here</a></nav><main><a href="/bid/9">Main content link text</a></main>`)
	stripChrome(doc)
	links := findLinksBroad(doc)
	if len(links) != 1 || links[0].Href != "/bid/9" {
		t.Fatalf("links = %+v", links)
	}
}

func TestDueDateFromText(t *testing.T) {
	tests := map[string]string{
		"Posted 05/01/2025 Due 06/30/2025 2:00 PM": "06/30/2025 2:00 PM",
		"Issued 2025-05-01, 2025-07-15":            "2025-07-15",
		"Closing Date: June 30, 2025":              "June 30, 2025",
		"No date here":                             "",
	}
	for in, want := range tests {
		if got := dueDateFromText(in); got != want {
			t.Errorf("dueDateFromText(%q) = %q, want %q", in, got, want)
		}
	}
}
