// Package powertracker implements the Power Tracker of spec.md §4.2: a
// fixed-size rolling map of per-hour energy buckets, split into controlled
// and uncontrolled contributions, used to derive the remaining hourly
// budget.
//
// The rolling-map-plus-throttled-persistence shape is adapted from the
// teacher's repository package (cepro-simt-flux/repository), generalised
// from two gorm tables of readings into an in-memory map that is itself
// persisted as one JSON blob through the settingsstore, matching the
// on-disk format named in spec.md §6 (`power_tracker_state`).
package powertracker

import (
	"log/slog"
	"sort"
	"time"

	"github.com/bverheul/pelscore/settingsstore"
	"github.com/bverheul/pelscore/telemetry"
	"github.com/bverheul/pelscore/timeutils"
)

const (
	// MaxBuckets bounds the rolling map so a long-running process doesn't accumulate one
	// entry per hour forever.
	MaxBuckets = 48

	settingsKey = "power_tracker_state"

	// PersistThrottle is the cadence at which the tracker's state is written back to the
	// settings store; it is not written on every sample.
	PersistThrottle = 30 * time.Second
)

type persistedBucket struct {
	KWh             float64 `json:"kWh"`
	ControlledKWh   float64 `json:"controlledKWh"`
	UncontrolledKWh float64 `json:"uncontrolledKWh"`
}

type persistedState struct {
	Buckets       map[string]persistedBucket `json:"buckets"`
	LastTimestamp time.Time                  `json:"lastTimestamp"`
}

// Tracker accumulates per-hour energy use.
type Tracker struct {
	loc *time.Location

	buckets map[int64]*telemetry.HourlyBucket
	order   []int64 // insertion order, oldest first, for MaxBuckets eviction

	lastTimestamp time.Time
	lastPowerKw   float64
	haveLast      bool

	store      *settingsstore.Store
	lastPersist time.Time
	logger      *slog.Logger
}

// New creates a Tracker that buckets samples in loc and persists through store (which may
// be nil for a purely in-memory tracker, e.g. in tests).
func New(loc *time.Location, store *settingsstore.Store) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		loc:     loc,
		buckets: make(map[int64]*telemetry.HourlyBucket),
		store:   store,
		logger:  slog.Default().With("component", "powertracker"),
	}
}

// LoadFromStore reloads persisted bucket state at boot, per spec.md §4.2.
func (t *Tracker) LoadFromStore() error {
	if t.store == nil {
		return nil
	}

	var state persistedState
	found, err := t.store.Get(settingsKey, &state)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	for hourISO, b := range state.Buckets {
		hourTime, parseErr := time.Parse(time.RFC3339, hourISO)
		if parseErr != nil {
			t.logger.Warn("Skipping unparsable persisted bucket key", "key", hourISO, "error", parseErr)
			continue
		}
		ms := hourTime.UnixMilli()
		t.buckets[ms] = &telemetry.HourlyBucket{
			HourStartMs:     ms,
			KWh:             b.KWh,
			ControlledKWh:   b.ControlledKWh,
			UncontrolledKWh: b.UncontrolledKWh,
		}
		t.order = append(t.order, ms)
	}
	sort.Slice(t.order, func(i, j int) bool { return t.order[i] < t.order[j] })
	t.lastTimestamp = state.LastTimestamp

	return nil
}

// AddSample integrates one power sample into the current hour's bucket. controlledKw is
// the portion of totalKw attributable to currently-controllable devices; the remainder is
// tagged uncontrolled. The first sample of a new hour contributes zero energy (there is no
// prior sample in that hour to integrate from).
func (t *Tracker) AddSample(sampleTime time.Time, totalKw, controlledKw float64, now time.Time) {
	localTime := sampleTime.In(t.loc)
	hourMs := timeutils.HourStartMs(localTime)

	bucket, ok := t.buckets[hourMs]
	if !ok {
		bucket = &telemetry.HourlyBucket{HourStartMs: hourMs}
		t.buckets[hourMs] = bucket
		t.order = append(t.order, hourMs)
		t.evictOldBuckets()
	}

	if t.haveLast && timeutils.HourStartMs(t.lastTimestamp.In(t.loc)) == hourMs {
		dtHours := sampleTime.Sub(t.lastTimestamp).Hours()
		if dtHours > 0 {
			avgKw := (t.lastPowerKw + totalKw) / 2
			avgControlledKw := controlledKw // approximate with the current sample's split
			bucket.KWh += avgKw * dtHours
			bucket.ControlledKWh += avgControlledKw * dtHours
			bucket.UncontrolledKWh += (avgKw - avgControlledKw) * dtHours
		}
	}

	t.lastTimestamp = sampleTime
	t.lastPowerKw = totalKw
	t.haveLast = true

	t.maybePersist(now)
}

// evictOldBuckets drops the oldest buckets once the rolling map exceeds MaxBuckets.
func (t *Tracker) evictOldBuckets() {
	for len(t.order) > MaxBuckets {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.buckets, oldest)
	}
}

// CurrentHourUsedKWh returns the energy accumulated so far in the hour containing refTime.
func (t *Tracker) CurrentHourUsedKWh(refTime time.Time) float64 {
	hourMs := timeutils.HourStartMs(refTime.In(t.loc))
	if b, ok := t.buckets[hourMs]; ok {
		return b.KWh
	}
	return 0
}

// CurrentHourControlledUncontrolledKWh returns the controlled/uncontrolled split for the
// hour containing refTime.
func (t *Tracker) CurrentHourControlledUncontrolledKWh(refTime time.Time) (controlled, uncontrolled float64) {
	hourMs := timeutils.HourStartMs(refTime.In(t.loc))
	if b, ok := t.buckets[hourMs]; ok {
		return b.ControlledKWh, b.UncontrolledKWh
	}
	return 0, 0
}

// CurrentHourStartMs returns the start, in milliseconds, of the hour containing refTime.
func (t *Tracker) CurrentHourStartMs(refTime time.Time) int64 {
	return timeutils.HourStartMs(refTime.In(t.loc))
}

// LastTimestamp returns the timestamp of the most recent sample integrated.
func (t *Tracker) LastTimestamp() time.Time { return t.lastTimestamp }

// Buckets returns a snapshot of all tracked hourly buckets, for UI consumption.
func (t *Tracker) Buckets() []telemetry.HourlyBucket {
	out := make([]telemetry.HourlyBucket, 0, len(t.buckets))
	for _, ms := range t.order {
		out = append(out, *t.buckets[ms])
	}
	return out
}

// maybePersist writes the tracker's state to the settings store, throttled to
// PersistThrottle.
func (t *Tracker) maybePersist(now time.Time) {
	if t.store == nil {
		return
	}
	if !t.lastPersist.IsZero() && now.Sub(t.lastPersist) < PersistThrottle {
		return
	}
	t.lastPersist = now

	state := persistedState{
		Buckets:       make(map[string]persistedBucket, len(t.buckets)),
		LastTimestamp: t.lastTimestamp,
	}
	for ms, b := range t.buckets {
		hourISO := time.UnixMilli(ms).In(t.loc).Format(time.RFC3339)
		state.Buckets[hourISO] = persistedBucket{
			KWh:             b.KWh,
			ControlledKWh:   b.ControlledKWh,
			UncontrolledKWh: b.UncontrolledKWh,
		}
	}

	if err := t.store.Set(settingsKey, state, now.UnixMilli()); err != nil {
		t.logger.Error("Failed to persist power tracker state", "error", err)
	}
}

// Flush forces an immediate persist, bypassing the throttle - used on clean shutdown.
func (t *Tracker) Flush(now time.Time) {
	t.lastPersist = time.Time{}
	t.maybePersist(now)
}
