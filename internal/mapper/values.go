package mapper

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
)

// dateLayouts are tried in order before falling back to datePrefix.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
}

var datePrefix = regexp.MustCompile(`^\s*(\d{4}-\d{2}-\d{2})`)

// lookup returns the first non-null value among keys.
func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// str coerces a scalar to a trimmed string. Blank strings count as absent.
func str(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

func float(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func floatPtr(v any, ok bool) *float64 {
	if !ok {
		return nil
	}
	f, ok := float(v)
	if !ok {
		return nil
	}
	return &f
}

func int64Ptr(v any, ok bool) *int64 {
	if !ok {
		return nil
	}
	f, ok := float(v)
	if !ok {
		return nil
	}
	n := int64(math.Round(f))
	return &n
}

func intPtr(v any, ok bool) *int {
	p := int64Ptr(v, ok)
	if p == nil {
		return nil
	}
	n := int(*p)
	return &n
}

// ParseDate parses a calendar date from any of the known layouts, falling
// back to a leading YYYY-MM-DD. It returns nil when nothing matches.
func ParseDate(s string) *time.Time {
	t := parseTime(s)
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

// ParseTimestamp is ParseDate without truncation to midnight.
func ParseTimestamp(s string) *time.Time {
	t := parseTime(s)
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	if m := datePrefix.FindStringSubmatch(s); m != nil {
		if t, err := time.Parse(listing.DateLayout, m[1]); err == nil {
			return &t
		}
	}
	return nil
}

func datePtr(v any, ok bool) *time.Time {
	if !ok {
		return nil
	}
	s, ok := str(v)
	if !ok {
		return nil
	}
	return ParseDate(s)
}

func timestampPtr(v any, ok bool) *time.Time {
	if !ok {
		return nil
	}
	s, ok := str(v)
	if !ok {
		return nil
	}
	return ParseTimestamp(s)
}

func stringField(raw map[string]any, keys ...string) string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return ""
	}
	s, _ := str(v)
	return s
}
