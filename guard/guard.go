// Package guard implements the Capacity Guard described in spec.md §4.1:
// soft/hard-limit arithmetic, the shedding-active latch, and shortfall
// hysteresis. It is deliberately the smallest component in the system - it
// only signals, it never decides what to shed.
//
// The staleness tracking on the last power sample is adapted from the
// teacher's controller.timedMetric (value + updatedAt, with an isOlderThan
// check) - see cepro-simt-flux/controller/timed_metric.go.
package guard

import (
	"log/slog"
	"math"
	"time"
)

// ClearMarginKw and ClearSustain are the shortfall-clearing hysteresis constants from
// spec.md §4.1 - crossing back under threshold by at least ClearMarginKw, sustained for
// ClearSustain, clears a latched shortfall.
const (
	ClearMarginKw = 0.2
	ClearSustain  = 60 * time.Second
)

// Callbacks are fired, fire-and-forget, on the guard's state transitions. Any of them may
// be nil.
type Callbacks struct {
	OnSheddingStart  func()
	OnSheddingEnd    func()
	OnShortfall      func(deficitKw float64)
	OnShortfallCleared func()
}

// timedMetric is a float64 reading with the time it was last set, used to detect stale
// measurements before trusting them in a control decision.
type timedMetric struct {
	value     float64
	updatedAt time.Time
	hasValue  bool
}

func (t *timedMetric) set(value float64, now time.Time) {
	t.value = value
	t.updatedAt = now
	t.hasValue = true
}

func (t *timedMetric) isOlderThan(age time.Duration, now time.Time) bool {
	if !t.hasValue {
		return true
	}
	return now.Sub(t.updatedAt) > age
}

// Guard is the Capacity Guard.
type Guard struct {
	limitKw         float64
	softMarginKw    float64
	restoreMarginKw float64

	mainPower timedMetric

	sheddingActive bool
	inShortfall    bool
	// shortfallClearStart is the time at which the measured power first dipped far enough
	// below the shortfall threshold to start clearing the latch; zero when not clearing.
	shortfallClearStart time.Time

	// softLimitOverride, when non-nil and returning a non-nil value, supplies a tighter
	// soft limit than limitKw-softMarginKw (used when the daily budget is the binding
	// constraint).
	softLimitOverride func() *float64

	// shortfallThreshold defaults to limitKw (the hard contract cap) but can be overridden,
	// per spec.md §4.4's computeShortfallThreshold - it always returns the contract limit,
	// never the dynamic soft limit, so this is rarely overridden in practice; the hook
	// exists so tests can exercise the panic threshold independently of the soft limit.
	shortfallThreshold func() float64

	callbacks Callbacks
	logger    *slog.Logger
}

// Config is the fixed configuration a Guard is built with.
type Config struct {
	LimitKw         float64
	SoftMarginKw    float64
	RestoreMarginKw float64
	Callbacks       Callbacks
}

// New creates a Guard. Malformed config (non-finite numbers) falls back to spec.md §4.4's
// defaults (limit=10, margin=0.2), matching the plan builder's own failure semantics.
func New(cfg Config) *Guard {
	limit := cfg.LimitKw
	if !isFinitePositive(limit) {
		limit = 10
	}
	margin := cfg.SoftMarginKw
	if math.IsNaN(margin) || math.IsInf(margin, 0) || margin < 0 {
		margin = 0.2
	}

	g := &Guard{
		limitKw:         limit,
		softMarginKw:    margin,
		restoreMarginKw: cfg.RestoreMarginKw,
		callbacks:       cfg.Callbacks,
		logger:          slog.Default().With("component", "guard"),
	}
	g.shortfallThreshold = func() float64 { return g.limitKw }
	return g
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// SetLimitKw updates the contract limit.
func (g *Guard) SetLimitKw(kw float64) {
	if isFinitePositive(kw) {
		g.limitKw = kw
	}
}

// SetSoftMarginKw updates the soft margin.
func (g *Guard) SetSoftMarginKw(kw float64) {
	if !math.IsNaN(kw) && !math.IsInf(kw, 0) && kw >= 0 {
		g.softMarginKw = kw
	}
}

// LimitKw returns the current contract limit.
func (g *Guard) LimitKw() float64 { return g.limitKw }

// InstallSoftLimitOverride installs the optional tighter soft-limit provider (the daily
// budget component, per spec.md §4.4's computeDynamicSoftLimit).
func (g *Guard) InstallSoftLimitOverride(fn func() *float64) {
	g.softLimitOverride = fn
}

// InstallShortfallThreshold overrides the shortfall panic threshold (defaults to LimitKw).
func (g *Guard) InstallShortfallThreshold(fn func() float64) {
	if fn == nil {
		fn = func() float64 { return g.limitKw }
	}
	g.shortfallThreshold = fn
}

// ReportTotalPower stores kw as the latest measured main power, if it is finite.
func (g *Guard) ReportTotalPower(kw float64, now time.Time) {
	if math.IsNaN(kw) || math.IsInf(kw, 0) {
		return
	}
	g.mainPower.set(kw, now)
}

// MainPowerKw returns the last reported power and whether a sample has ever been received.
func (g *Guard) MainPowerKw() (float64, bool) {
	return g.mainPower.value, g.mainPower.hasValue
}

// IsStale reports whether the last power sample is older than maxAge, or never arrived.
func (g *Guard) IsStale(maxAge time.Duration, now time.Time) bool {
	return g.mainPower.isOlderThan(maxAge, now)
}

// SoftLimit returns the effective soft limit: the override if one is installed and
// returns a value, else limitKw - softMarginKw (floored at zero).
func (g *Guard) SoftLimit() float64 {
	if g.softLimitOverride != nil {
		if override := g.softLimitOverride(); override != nil {
			return *override
		}
	}
	return g.CapacitySoftLimit()
}

// CapacitySoftLimit returns the soft limit derived purely from the contract limit and
// margin, ignoring any daily-budget override - spec.md §3 invariant 5 needs this value
// available even when the daily budget is binding.
func (g *Guard) CapacitySoftLimit() float64 {
	v := g.limitKw - g.softMarginKw
	if v < 0 {
		return 0
	}
	return v
}

// Headroom returns SoftLimit() - mainPowerKw, or nil if no power sample has arrived yet.
func (g *Guard) Headroom() *float64 {
	if !g.mainPower.hasValue {
		return nil
	}
	h := g.SoftLimit() - g.mainPower.value
	return &h
}

// SheddingActive reports whether the shedding-active latch is currently set.
func (g *Guard) SheddingActive() bool { return g.sheddingActive }

// InShortfall reports whether the shortfall latch is currently set.
func (g *Guard) InShortfall() bool { return g.inShortfall }

// RestoreMarginKw returns the hysteresis margin applied to candidate selection while
// shedding is already active (spec.md §4.4 Phase B).
func (g *Guard) RestoreMarginKw() float64 { return g.restoreMarginKw }

// SetSheddingActive updates the shedding-active latch, firing OnSheddingStart/OnSheddingEnd
// on the rising/falling edge respectively.
func (g *Guard) SetSheddingActive(active bool) {
	if active == g.sheddingActive {
		return
	}
	g.sheddingActive = active
	if active {
		g.logger.Info("Shedding started")
		if g.callbacks.OnSheddingStart != nil {
			go g.callbacks.OnSheddingStart()
		}
	} else {
		g.logger.Info("Shedding ended")
		if g.callbacks.OnSheddingEnd != nil {
			go g.callbacks.OnSheddingEnd()
		}
	}
}

// CheckShortfall implements spec.md §4.1's latch/clear state machine. hasCandidates
// indicates whether any controllable device remains in the "keep" state that could still
// be shed; deficitKw is the magnitude of the shortfall for logging/callback purposes.
//
// Shortfall may only latch when measured power exceeds the hard contract limit AND there
// are no further candidates to shed (spec.md §3 invariant 6) - daily-budget pressure alone
// never latches it, since the threshold here is always the contract limit, not the dynamic
// soft limit.
func (g *Guard) CheckShortfall(hasCandidates bool, deficitKw float64, now time.Time) {
	if !g.mainPower.hasValue {
		return
	}

	threshold := g.shortfallThreshold()

	if !g.inShortfall {
		if g.mainPower.value > threshold && !hasCandidates {
			g.inShortfall = true
			g.shortfallClearStart = time.Time{}
			g.logger.Warn("Entering shortfall", "main_power_kw", g.mainPower.value, "threshold_kw", threshold, "deficit_kw", deficitKw)
			if g.callbacks.OnShortfall != nil {
				go g.callbacks.OnShortfall(deficitKw)
			}
		}
		return
	}

	// Already latched - evaluate whether we've cleared enough margin, sustained for long enough.
	clearedNow := threshold-g.mainPower.value >= ClearMarginKw
	if !clearedNow {
		g.shortfallClearStart = time.Time{}
		return
	}

	if g.shortfallClearStart.IsZero() {
		g.shortfallClearStart = now
		return
	}

	if now.Sub(g.shortfallClearStart) >= ClearSustain {
		g.inShortfall = false
		g.shortfallClearStart = time.Time{}
		g.logger.Info("Shortfall cleared")
		if g.callbacks.OnShortfallCleared != nil {
			go g.callbacks.OnShortfallCleared()
		}
	}
}
