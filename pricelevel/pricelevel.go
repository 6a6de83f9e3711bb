// Package pricelevel implements Price Level Resolution (spec.md §4.7):
// classifying the current hour's spot price as cheap, normal or expensive
// against the mean of a loaded price table.
//
// The cached-last-good-value shape (an RWMutex guarding a map updated out of
// band, read on the hot path without blocking) is grounded on the teacher's
// modo.Client, which caches imbalance price/volume behind a sync.RWMutex and
// refreshes it on a timer. Here the refresh comes from a settingsstore
// subscription on `combined_prices` instead of a timer-driven HTTP fetch,
// since fetching spot prices is an out-of-scope external collaborator
// (spec.md §1) - only the resolution logic over an already-loaded table is
// in scope.
package pricelevel

import (
	"sync"
	"time"

	"github.com/bverheul/pelscore/telemetry"
)

// DefaultThresholdPercent and DefaultMinimumDeltaPerKWh are the resolver's hysteresis
// constants: an hour is cheap/expensive only if it differs from the mean by at least this
// percentage AND by at least this absolute amount, so that a flat, low-value price table
// doesn't classify every hour as "expensive" on noise alone.
const (
	DefaultThresholdPercent   = 15.0
	DefaultMinimumDeltaPerKWh = 0.05
)

// Resolver classifies the current hour's price level against a loaded combined price table.
type Resolver struct {
	mu sync.RWMutex

	pricesByHourMs map[int64]float64
	loc            *time.Location

	thresholdPercent   float64
	minimumDeltaPerKWh float64
}

// New creates a Resolver with the default hysteresis thresholds and no prices loaded yet.
func New(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{
		pricesByHourMs:     make(map[int64]float64),
		loc:                loc,
		thresholdPercent:   DefaultThresholdPercent,
		minimumDeltaPerKWh: DefaultMinimumDeltaPerKWh,
	}
}

// SetThresholds overrides the cheap/expensive hysteresis thresholds.
func (r *Resolver) SetThresholds(thresholdPercent, minimumDeltaPerKWh float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholdPercent = thresholdPercent
	r.minimumDeltaPerKWh = minimumDeltaPerKWh
}

// LoadPrices replaces the combined price table, keyed by hour-start in unix millis. This is
// the handler a settingsstore subscription on `combined_prices` should call.
func (r *Resolver) LoadPrices(pricesByHourMs map[int64]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pricesByHourMs = pricesByHourMs
}

// CurrentLevel classifies the hour containing now.
func (r *Resolver) CurrentLevel(now time.Time) telemetry.PriceLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.pricesByHourMs) == 0 {
		return telemetry.PriceUnknown
	}

	hourMs := now.In(r.loc).Truncate(time.Hour).UnixMilli()
	price, ok := r.pricesByHourMs[hourMs]
	if !ok {
		return telemetry.PriceUnknown
	}

	mean := r.mean()
	if r.isCheap(price, mean) {
		return telemetry.PriceCheap
	}
	if r.isExpensive(price, mean) {
		return telemetry.PriceExpensive
	}
	return telemetry.PriceNormal
}

func (r *Resolver) mean() float64 {
	var sum float64
	for _, p := range r.pricesByHourMs {
		sum += p
	}
	return sum / float64(len(r.pricesByHourMs))
}

func (r *Resolver) isCheap(price, mean float64) bool {
	delta := mean - price
	return delta >= r.minimumDeltaPerKWh && percentDelta(delta, mean) >= r.thresholdPercent
}

func (r *Resolver) isExpensive(price, mean float64) bool {
	delta := price - mean
	return delta >= r.minimumDeltaPerKWh && percentDelta(delta, mean) >= r.thresholdPercent
}

func percentDelta(delta, mean float64) float64 {
	if mean == 0 {
		return 0
	}
	pct := delta / mean * 100
	if pct < 0 {
		return -pct
	}
	return pct
}
