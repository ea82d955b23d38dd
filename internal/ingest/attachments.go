package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	rpdf "rsc.io/pdf"
)

var attachmentAnchorRegex = regexp.MustCompile(`(?i)\b(solicitation|specifications?|addend(um|a)|attachments?|bid documents?|scope of work|drawings|plans)\b`)

// collectAttachmentLinks returns absolute URLs of document links inside sel.
func collectAttachmentLinks(baseURL string, sel *goquery.Selection) []string {
	baseParsed, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var out []string
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if !IsValidHref(href) {
			return
		}
		hrefLower := strings.ToLower(href)
		isDoc := strings.Contains(hrefLower, ".pdf") ||
			strings.Contains(hrefLower, "/document/") ||
			strings.Contains(hrefLower, "showdocument") ||
			attachmentAnchorRegex.MatchString(a.Text()) && strings.Contains(hrefLower, "download")
		if !isDoc {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		out = appendUnique(out, baseParsed.ResolveReference(ref).String())
	})
	return out
}

func isPDFLink(link string) bool {
	lower := strings.ToLower(link)
	return strings.Contains(lower, ".pdf") || strings.Contains(lower, "showdocument")
}

func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			builder.WriteString(fragment.S)
			builder.WriteString(" ")
		}
		builder.WriteString("\n")
	}

	return builder.String(), nil
}

// dueDateFromPDF downloads a solicitation document and looks for a due date
// in its text. An empty string means none was found.
func dueDateFromPDF(ctx context.Context, fetcher Fetcher, pdfURL string) (string, error) {
	doc, err := fetcher.Fetch(ctx, pdfURL)
	if err != nil {
		return "", err
	}
	content, err := doc.Bytes()
	if err != nil {
		return "", fmt.Errorf("pdf read failed: %w", err)
	}

	text, err := extractPDFText(content)
	if err != nil {
		return "", fmt.Errorf("pdf text extraction failed: %w", err)
	}
	return dueDateFromText(normalizeSpace(text)), nil
}
