package utils

import (
	"fmt"
	"time"
)

const DefaultDateFormat = "2006-01-02"

// ParseDate parses a calendar date (YYYY-MM-DD) or a full RFC3339 timestamp, returning UTC.
func ParseDate(dateStr string) (time.Time, error) {
	if t, err := time.Parse(DefaultDateFormat, dateStr); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, dateStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected %s or RFC3339", dateStr, DefaultDateFormat)
	}
	return t.UTC(), nil
}

// DaysAgo returns midnight UTC of the day n days before now.
func DaysAgo(now time.Time, n int) time.Time {
	y, m, d := now.UTC().AddDate(0, 0, -n).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
