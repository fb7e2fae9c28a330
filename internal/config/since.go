package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseSince parses a --since value relative to now. It accepts RFC 3339
// timestamps, YYYY-MM-DD dates (local midnight), Go durations meaning
// "this long ago" ("6h", "90m"), and English phrases such as "yesterday"
// or "3 days ago".
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty --since value")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since duration %q must be positive", s)
		}
		return now.Add(-d), nil
	}

	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized --since value %q", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future", s)
	}
	return r.Time, nil
}
