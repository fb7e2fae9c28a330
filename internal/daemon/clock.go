package daemon

import (
	"fmt"
	"time"
)

// clock is a local wall-clock time of day.
type clock struct {
	hour, minute int
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

// next returns the first occurrence of c strictly after now, in now's
// location.
func (c clock) next(now time.Time) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), c.hour, c.minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (c clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.hour, c.minute)
}
