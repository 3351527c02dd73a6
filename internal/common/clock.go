package common

import "time"

// Clock returns the current instant. Services take one so tests can pin "now".
type Clock func() time.Time

// SystemClock is the production clock.
func SystemClock() time.Time {
	return time.Now()
}

// DateOf truncates t to its calendar date in loc. The result is midnight UTC
// of that date so it compares cleanly with DATE columns read back from
// Postgres.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
