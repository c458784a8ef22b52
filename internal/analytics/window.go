package analytics

import (
	"fmt"
	"time"
)

// Window is a half-open interval [Start, End) resolved from a named range.
type Window struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ParseWindow resolves a named range against the given instant. All
// arithmetic is UTC; this_week starts on Monday. An empty name means
// all_time.
func ParseWindow(name string, now time.Time) (Window, error) {
	now = now.UTC()
	midnight := midnightUTC(now)
	switch name {
	case "", "all_time":
		return Window{Name: "all_time", Start: time.Unix(0, 0).UTC(), End: now}, nil
	case "today":
		return Window{Name: name, Start: midnight, End: now}, nil
	case "last_2_weeks":
		return Window{Name: name, Start: midnight.AddDate(0, 0, -14), End: now}, nil
	case "this_week":
		// time.Weekday numbers Sunday 0; shift so Monday is day 0.
		back := (int(now.Weekday()) + 6) % 7
		return Window{Name: name, Start: midnight.AddDate(0, 0, -back), End: now}, nil
	case "this_month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Window{Name: name, Start: start, End: now}, nil
	}
	return Window{}, fmt.Errorf("unknown window %q", name)
}

// LastDays covers the previous n-1 complete calendar days plus today so
// far, so a daily series rendered from it has exactly n buckets.
func LastDays(n int, now time.Time) Window {
	if n < 1 {
		n = 1
	}
	now = now.UTC()
	start := midnightUTC(now).AddDate(0, 0, -(n - 1))
	return Window{Name: fmt.Sprintf("last_%d_days", n), Start: start, End: now}
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
