package shared

import (
	"fmt"
	"time"
)

const (
	// KolkataLocation is the market time zone for indian equities.
	KolkataLocation = "Asia/Kolkata"

	// SessionTimeLayout is the expected layout for session times.
	SessionTimeLayout = "15:04"
)

// MarketTime returns the current time in the provided market time zone.
func MarketTime(timeZone string) (time.Time, *time.Location, error) {
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("loading %s timezone: %w", timeZone, err)
	}

	now := time.Now().In(loc)
	return now, loc, nil
}

// SessionTime resolves the provided HH:MM session time on the day of now.
func SessionTime(value string, now time.Time) (time.Time, error) {
	parsed, err := time.Parse(SessionTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing session time: %w", err)
	}

	resolved := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(),
		parsed.Minute(), 0, 0, now.Location())

	return resolved, nil
}
