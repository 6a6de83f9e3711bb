// Package dailybudget computes the daily-budget snapshot consumed by the
// plan builder (spec.md §3, §4.4). The budget-learning model itself - how
// the daily allowance is derived from historic consumption - is an external
// collaborator and explicitly out of scope (spec.md §1); this package only
// does the same day-remaining/hour-remaining arithmetic the plan builder
// would otherwise have to duplicate, against a single caller-supplied daily
// allowance in kWh.
//
// The rolling day-boundary accounting is grounded on the power tracker's
// rolling-bucket approach (powertracker.Tracker), scaled from an hour to a
// calendar day.
package dailybudget

import (
	"time"

	"github.com/bverheul/pelscore/telemetry"
)

// Budget tracks one day's energy allowance and how much of it has been used.
type Budget struct {
	loc *time.Location

	dailyBudgetKWh float64 // 0 disables the daily budget
	usedTodayKWh   float64
	dayStart       time.Time
}

// New creates a Budget in loc with no usage recorded yet.
func New(loc *time.Location) *Budget {
	if loc == nil {
		loc = time.UTC
	}
	return &Budget{loc: loc}
}

// SetDailyBudgetKWh updates the configured daily allowance; 0 disables daily-budget
// shaping entirely.
func (b *Budget) SetDailyBudgetKWh(kwh float64) {
	if kwh < 0 {
		kwh = 0
	}
	b.dailyBudgetKWh = kwh
}

// Enabled reports whether a positive daily budget is configured.
func (b *Budget) Enabled() bool { return b.dailyBudgetKWh > 0 }

// dayStartFor returns the start of the calendar day containing t, in the budget's
// configured location.
func (b *Budget) dayStartFor(t time.Time) time.Time {
	local := t.In(b.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc)
}

// AddUsage folds kWh of newly-consumed energy into the running daily total, resetting the
// total if now has crossed into a new calendar day since the last call.
func (b *Budget) AddUsage(kwh float64, now time.Time) {
	today := b.dayStartFor(now)
	if b.dayStart.IsZero() || !today.Equal(b.dayStart) {
		b.dayStart = today
		b.usedTodayKWh = 0
	}
	if kwh > 0 {
		b.usedTodayKWh += kwh
	}
}

// UsedTodayKWh returns the running total for the calendar day containing now.
func (b *Budget) UsedTodayKWh(now time.Time) float64 {
	today := b.dayStartFor(now)
	if b.dayStart.IsZero() || !today.Equal(b.dayStart) {
		return 0
	}
	return b.usedTodayKWh
}

// Snapshot computes the read-only daily-budget view the plan builder consumes, for the
// current hour's (controlled, uncontrolled) energy split and capacitySoftLimitKw (used only
// to decide whether the daily-derived softLimitKw is actually tighter).
func (b *Budget) Snapshot(now time.Time, hourControlledKWh, hourUncontrolledKWh, capacitySoftLimitKw float64) telemetry.DailyBudgetSnapshot {
	usedToday := b.UsedTodayKWh(now)

	minutesRemaining := minutesRemainingInHour(now)

	if !b.Enabled() {
		return telemetry.DailyBudgetSnapshot{
			MinutesRemaining:    minutesRemaining,
			HourControlledKWh:   hourControlledKWh,
			HourUncontrolledKWh: hourUncontrolledKWh,
		}
	}

	dailyRemaining := b.dailyBudgetKWh - usedToday
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}
	exceeded := usedToday >= b.dailyBudgetKWh

	dayEnd := b.dayStartFor(now).Add(24 * time.Hour)
	hoursRemainingToday := dayEnd.Sub(now).Hours()
	if hoursRemainingToday < (1.0 / 60.0) {
		hoursRemainingToday = 1.0 / 60.0
	}
	hourlyAllowance := dailyRemaining / hoursRemainingToday

	snapshot := telemetry.DailyBudgetSnapshot{
		HourlyAllowanceKWh:  hourlyAllowance,
		DailyRemainingKWh:   dailyRemaining,
		Exceeded:            exceeded,
		HourControlledKWh:   hourControlledKWh,
		HourUncontrolledKWh: hourUncontrolledKWh,
		MinutesRemaining:    minutesRemaining,
	}

	if hourlyAllowance < capacitySoftLimitKw {
		soft := hourlyAllowance
		snapshot.SoftLimitKw = &soft
		snapshot.SoftLimitSource = telemetry.SoftLimitDaily
	}

	return snapshot
}

func minutesRemainingInHour(now time.Time) float64 {
	nextHour := now.Truncate(time.Hour).Add(time.Hour)
	minutes := nextHour.Sub(now).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
