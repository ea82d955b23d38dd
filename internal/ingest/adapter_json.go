package ingest

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// firstField returns the first non-empty value among alternatives separated by "|".
func firstField(item gjson.Result, alternatives string) gjson.Result {
	for _, name := range strings.Split(alternatives, "|") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v := item.Get(name); v.Exists() && v.Type != gjson.Null && strings.TrimSpace(v.String()) != "" {
			return v
		}
	}
	return gjson.Result{}
}

// dateField renders epoch-millisecond numbers as ISO dates and passes text through.
func dateField(v gjson.Result) string {
	switch v.Type {
	case gjson.Number:
		ms := v.Int()
		if ms <= 0 {
			return ""
		}
		return time.UnixMilli(ms).UTC().Format("2006-01-02")
	case gjson.String:
		return strings.TrimSpace(v.String())
	}
	return ""
}
