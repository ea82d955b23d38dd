package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var dollarRegex = regexp.MustCompile(`(?i)\$\s?(\d[\d,]*(?:\.\d{1,2})?)\s*(million|thousand|mm|m|k)?\b`)

// parseValue extracts a dollar range from free text. One amount yields
// min == max unless it is phrased as "up to"; two or more yield the smallest
// and largest. Both are nil when no dollar amount is present.
func parseValue(text string) (*float64, *float64) {
	matches := dollarRegex.FindAllStringSubmatch(text, -1)

	var amounts []float64
	for _, m := range matches {
		val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil || val <= 0 {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "k", "thousand":
			val *= 1_000
		case "m", "mm", "million":
			val *= 1_000_000
		}
		amounts = append(amounts, val)
	}

	if len(amounts) == 0 {
		return nil, nil
	}

	min, max := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a < min {
			min = a
		}
		if a > max {
			max = a
		}
	}

	if len(amounts) == 1 {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "up to") || strings.Contains(lower, "not to exceed") || strings.Contains(lower, "under ") {
			return nil, &max
		}
	}
	return &min, &max
}
