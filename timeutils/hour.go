// Package timeutils provides the small set of local-time helpers the power
// tracker and price level resolver need. Adapted from the teacher's
// time_utils.ClockTime (which represents a clock time in a given
// time.Location) - generalised here into a single HourStart helper since
// the day-of-week/clock-time scheduling periods it otherwise supported
// (DayedPeriod, ClockTimePeriod) have no analogue in a device-shedding
// system that only ever reasons about "the current hour".
package timeutils

import "time"

// HourStart returns the start of the hour containing t, in t's own location.
// Bucketing is always done in the location the caller's time.Time already carries -
// callers are expected to convert to the configured IANA zone before calling this.
func HourStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// HourStartMs returns HourStart(t) as milliseconds since the Unix epoch, the key used
// throughout the power tracker's rolling bucket map.
func HourStartMs(t time.Time) int64 {
	return HourStart(t).UnixMilli()
}

// NextHour returns the start of the hour following the one containing t.
func NextHour(t time.Time) time.Time {
	return HourStart(t).Add(time.Hour)
}

// MsUntilNextHour returns the duration until the start of the next hour boundary after t.
// Recomputed fresh every time it's called rather than accumulated, so that it stays correct
// across DST transitions.
func MsUntilNextHour(t time.Time) time.Duration {
	return NextHour(t).Sub(t)
}
