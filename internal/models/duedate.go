package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var dueDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 3:04 PM",
	"1/2/2006 3:04 PM",
	"01/02/2006 15:04",
	"01-02-2006",
	"1-2-2006",
	"January 2, 2006",
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"Jan 2, 2006 3:04 PM",
	"2 January 2006",
	"02 January 2006",
	"2 Jan 2006",
}

var (
	isoDateRegex   = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	usDateRegex    = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](20\d{2})\b`)
	monthNameRegex = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?\s+(\d{1,2}),?\s+(20\d{2})\b`)
)

// ParseDueDate interprets the free-text date formats sources publish and returns the
// calendar date at midnight UTC. ok is false when nothing date-like was found.
func ParseDueDate(raw string) (time.Time, bool) {
	text := cleanDateString(raw)
	if text == "" {
		return time.Time{}, false
	}
	text = strings.ReplaceAll(text, "a.m.", "AM")
	text = strings.ReplaceAll(text, "p.m.", "PM")

	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return dateOnly(t), true
		}
	}

	if t, ok := parseDateWithRegex(text); ok {
		return dateOnly(t), true
	}
	return time.Time{}, false
}

// DaysUntil counts whole calendar days from today to due. Negative means past due.
func DaysUntil(due, today time.Time) int {
	d := dateOnly(due).Sub(dateOnly(today))
	return int(d.Hours() / 24)
}

// Today returns the current calendar date in local time, expressed at midnight UTC.
func Today() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func parseDateWithRegex(text string) (time.Time, bool) {
	if m := isoDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			return t, true
		}
	}

	if m := usDateRegex.FindStringSubmatch(text); len(m) == 4 {
		if t, err := time.Parse("1/2/2006", fmt.Sprintf("%s/%s/%s", m[1], m[2], m[3])); err == nil {
			return t, true
		}
	}

	if m := monthNameRegex.FindStringSubmatch(text); len(m) == 4 {
		month := strings.TrimSuffix(m[1], ".")
		if strings.EqualFold(month, "Sept") {
			month = "Sep"
		}
		for _, layout := range []string{"January 2, 2006", "Jan 2, 2006"} {
			if t, err := time.Parse(layout, fmt.Sprintf("%s %s, %s", capitalize(month), m[2], m[3])); err == nil {
				return t, true
			}
		}
	}

	return time.Time{}, false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// cleanDateString strips the labels sources commonly put in front of a date.
func cleanDateString(s string) string {
	prefixes := []string{
		"closing date:", "deadline:", "due date:", "due:", "closes:",
		"response date:", "bid due:", "proposals due:", "opening date:",
	}
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(lower, p); idx != -1 {
			s = s[idx+len(p):]
			lower = lower[idx+len(p):]
		}
	}
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
