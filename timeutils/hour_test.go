package timeutils

import (
	"testing"
	"time"
)

func TestHourStart(t *testing.T) {
	loc := time.UTC
	in := time.Date(2026, 7, 29, 14, 37, 52, 0, loc)
	want := time.Date(2026, 7, 29, 14, 0, 0, 0, loc)

	got := HourStart(in)
	if !got.Equal(want) {
		t.Errorf("HourStart(%v) = %v, want %v", in, got, want)
	}
}

func TestMsUntilNextHour(t *testing.T) {
	in := time.Date(2026, 7, 29, 14, 59, 0, 0, time.UTC)
	got := MsUntilNextHour(in)
	if got != time.Minute {
		t.Errorf("MsUntilNextHour(%v) = %v, want %v", in, got, time.Minute)
	}
}

func TestHourStartMs(t *testing.T) {
	in := time.Date(2026, 7, 29, 14, 37, 52, 0, time.UTC)
	want := time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC).UnixMilli()
	if got := HourStartMs(in); got != want {
		t.Errorf("HourStartMs(%v) = %d, want %d", in, got, want)
	}
}
