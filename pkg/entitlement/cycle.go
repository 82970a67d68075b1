package entitlement

import "time"

// dateLayout is the ISO calendar date format used for LastResetDate.
const dateLayout = "2006-01-02"

// DateKey returns the local calendar date of t in loc as YYYY-MM-DD.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

// startOfDay returns local midnight of the day containing t.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	tt := t.In(loc)
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, loc)
}

// NextMidnight returns the first local midnight strictly after t.
// time.Date normalizes day+1, so month and year ends need no special casing.
// Across a DST change the result is still the local wall-clock midnight.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	s := startOfDay(t, loc)
	return time.Date(s.Year(), s.Month(), s.Day()+1, 0, 0, 0, 0, loc)
}
