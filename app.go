package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bverheul/pelscore/dailybudget"
	"github.com/bverheul/pelscore/devicecache"
	"github.com/bverheul/pelscore/estimator"
	"github.com/bverheul/pelscore/guard"
	"github.com/bverheul/pelscore/plan"
	"github.com/bverheul/pelscore/powertracker"
	"github.com/bverheul/pelscore/pricelevel"
	"github.com/bverheul/pelscore/telemetry"
)

// deviceEntry is the JSON shape of one entry in the controllable_devices settings key.
type deviceEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Zone string `json:"zone"`
}

// shedBehaviorEntry is the JSON shape of one entry in the overshoot_behaviors settings key.
type shedBehaviorEntry struct {
	Action      string  `json:"action"`
	Temperature float64 `json:"temperature"`
}

// priceOptimizationEntry is the JSON shape of one entry in the price_optimization_settings
// settings key.
type priceOptimizationEntry struct {
	Enabled         bool    `json:"enabled"`
	CheapDeltaC     float64 `json:"cheapDeltaC"`
	ExpensiveDeltaC float64 `json:"expensiveDeltaC"`
}

// App is the single concrete implementation of planservice.InputProvider and flow.App:
// it owns the settings caches the rest of the system's components don't, and assembles
// them plus the Guard/Power Tracker/Estimator/Daily Budget/Price Level readings into one
// plan.BuilderInput snapshot per cycle.
type App struct {
	devices   *devicecache.Cache
	guard     *guard.Guard
	tracker   *powertracker.Tracker
	estimator *estimator.Estimator
	budget    *dailybudget.Budget
	prices    *pricelevel.Resolver

	// onRebuild is called whenever a settings subscription changes something the plan
	// depends on; wired to planservice.Service.RebuildFromCache once the service exists.
	onRebuild func(reason string, now time.Time)

	mu                 sync.RWMutex
	mode               string
	modeAliases        map[string]string
	modeDeviceTargets  map[string]map[string]float64
	capacityPriorities map[string]map[string]int
	shedBehaviors      map[string]telemetry.ShedBehavior
	priceOptEnabled    bool
	priceOptimizations map[string]telemetry.PriceOptimization
	knownModes         []string

	dailySoftLimitKw *float64 // last daily-budget-derived soft limit, read by the Guard's override hook

	logger *slog.Logger
}

// NewApp creates an App with empty settings caches; loadInitialSettings (settings.go)
// populates them through the Apply* methods at boot, and subscribeSettings keeps them
// current thereafter.
func NewApp(devices *devicecache.Cache, g *guard.Guard, tracker *powertracker.Tracker, est *estimator.Estimator, budget *dailybudget.Budget, prices *pricelevel.Resolver) *App {
	app := &App{
		devices:            devices,
		guard:              g,
		tracker:            tracker,
		estimator:          est,
		budget:             budget,
		prices:             prices,
		mode:               plan.DefaultMode,
		modeAliases:        map[string]string{},
		modeDeviceTargets:  map[string]map[string]float64{},
		capacityPriorities: map[string]map[string]int{},
		shedBehaviors:      map[string]telemetry.ShedBehavior{},
		priceOptimizations: map[string]telemetry.PriceOptimization{},
		knownModes:         []string{plan.DefaultMode},
		logger:             slog.Default().With("component", "app"),
	}
	g.InstallSoftLimitOverride(app.currentDailySoftLimitKw)
	return app
}

// currentDailySoftLimitKw is installed as the Guard's soft-limit override, so that
// flow.App.HasCapacityFor/HasHeadroomForDevice see the same dynamically-tightened limit the
// Plan Builder applies when the daily budget is binding (spec.md §3 invariant 5).
func (a *App) currentDailySoftLimitKw() *float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dailySoftLimitKw
}

// Snapshot implements planservice.InputProvider. It refreshes the device estimator figures,
// integrates this cycle's sample into the Power Tracker, and assembles plan.BuilderInput
// from everything else's current state.
func (a *App) Snapshot(now time.Time) plan.BuilderInput {
	a.mu.RLock()
	mode := a.mode
	modeAliases := a.modeAliases
	modeDeviceTargets := a.modeDeviceTargets
	capacityPriorities := a.capacityPriorities
	shedBehaviors := a.shedBehaviors
	priceOptEnabled := a.priceOptEnabled
	priceOptimizations := a.priceOptimizations
	a.mu.RUnlock()

	devices := a.devices.Snapshot()

	var controlledKw, uncontrolledKw float64
	for i := range devices {
		result := a.estimator.Estimate(devices[i])
		devices[i].ExpectedPowerKw = result.ExpectedPowerKw
		devices[i].ExpectedPowerSource = result.ExpectedPowerSource
		devices[i].LoadKw = 0
		if result.LoadKw != nil {
			devices[i].LoadKw = *result.LoadKw
		}
		if devices[i].Controllable && devices[i].Managed {
			controlledKw += result.ExpectedPowerKw
		} else {
			uncontrolledKw += result.ExpectedPowerKw
		}
	}

	totalKw, haveTotal := a.guard.MainPowerKw()
	var totalKwPtr *float64
	sampleKw := 0.0
	if haveTotal {
		totalKwPtr = &totalKw
		sampleKw = totalKw
	}
	a.tracker.AddSample(now, sampleKw, controlledKw, now)

	hourUsed := a.tracker.CurrentHourUsedKWh(now)
	hourControlled, hourUncontrolled := a.tracker.CurrentHourControlledUncontrolledKWh(now)

	capacitySoftLimit := a.guard.CapacitySoftLimit()
	dailySnapshot := a.budget.Snapshot(now, hourControlled, hourUncontrolled, capacitySoftLimit)

	optimizations := priceOptimizations
	if !priceOptEnabled {
		optimizations = map[string]telemetry.PriceOptimization{}
	}

	a.mu.Lock()
	a.dailySoftLimitKw = dailySnapshot.SoftLimitKw
	a.mu.Unlock()

	return plan.BuilderInput{
		Now:                    now,
		Devices:                devices,
		Mode:                   mode,
		ModeAliases:            modeAliases,
		ModeDeviceTargets:      modeDeviceTargets,
		CapacityPriorities:     capacityPriorities,
		ShedBehaviors:          shedBehaviors,
		PriceOptimizations:     optimizations,
		PriceLevel:             a.prices.CurrentLevel(now),
		TotalKw:                totalKwPtr,
		CapacitySoftLimitKw:    capacitySoftLimit,
		SheddingActive:         a.guard.SheddingActive(),
		RestoreMarginKw:        a.guard.RestoreMarginKw(),
		CurrentHourUsedKWh:     hourUsed,
		CurrentHourBudgetKWh:   dailySnapshot.HourlyAllowanceKWh,
		MinutesRemainingInHour: dailySnapshot.MinutesRemaining,
		ControlledKw:           controlledKw,
		UncontrolledKw:         uncontrolledKw,
		DailyBudget:            dailySnapshot,
	}
}

// ---- flow.App ----

func (a *App) SetExpectedPowerOverride(deviceID string, kw *float64) error {
	return a.devices.SetExpectedPowerOverride(deviceID, kw)
}

func (a *App) ReportPowerSample(kw float64, at time.Time) error {
	// report_power_sample (spec.md §6) is the house main meter's power sample, not a
	// per-device reading - it feeds the Guard the same way a Modbus meter poll would.
	a.guard.ReportTotalPower(kw, at)
	return nil
}

func (a *App) SetCapacityLimitKw(kw float64) error {
	a.guard.SetLimitKw(kw)
	a.maybeRebuild("flow:set_capacity_limit")
	return nil
}

func (a *App) SetDailyBudgetKWh(kwh float64) error {
	a.budget.SetDailyBudgetKWh(kwh)
	a.maybeRebuild("flow:set_daily_budget")
	return nil
}

func (a *App) SetOperatingMode(mode string) error {
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
	a.maybeRebuild("flow:set_operating_mode")
	return nil
}

func (a *App) SetDeviceControlEnabled(deviceID string, enabled bool) error {
	if err := a.devices.SetControlEnabled(deviceID, enabled); err != nil {
		return err
	}
	a.maybeRebuild("flow:set_device_control_enabled")
	return nil
}

func (a *App) HasCapacityFor(requiredKw float64) bool {
	headroom := a.guard.Headroom()
	return headroom != nil && *headroom >= requiredKw
}

func (a *App) HasHeadroomForDevice(deviceID string, requiredKw float64) (result, ok bool) {
	if !a.devices.Exists(deviceID) {
		return false, false
	}
	headroom := a.guard.Headroom()
	if headroom == nil {
		return false, true
	}
	currentKw := 0.0
	for _, d := range a.devices.Snapshot() {
		if d.ID == deviceID {
			currentKw = d.ExpectedPowerKw
			break
		}
	}
	return *headroom+currentKw >= requiredKw, true
}

func (a *App) PriceLevelIs(level string) bool {
	return string(a.prices.CurrentLevel(time.Now())) == level
}

func (a *App) IsCapacityMode(mode string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode == mode
}

func (a *App) KnownDeviceIDs() []string {
	return a.devices.KnownDeviceIDs()
}

func (a *App) KnownModes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.knownModes...)
}

func (a *App) maybeRebuild(reason string) {
	if a.onRebuild != nil {
		a.onRebuild(reason, time.Now())
	}
}

// ---- settings loading ----

// ApplyCapacitySettings updates the Guard from capacity_limit_kw/capacity_margin_kw.
// capacity_dry_run is applied to the Executor separately (applyDryRun in settings.go),
// since the Guard itself has no notion of dry-run.
func (a *App) ApplyCapacitySettings(limitKw, marginKw *float64) {
	if limitKw != nil {
		a.guard.SetLimitKw(*limitKw)
	}
	if marginKw != nil {
		a.guard.SetSoftMarginKw(*marginKw)
	}
}

func (a *App) ApplyModeAliases(aliases map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modeAliases = aliases
}

func (a *App) ApplyModeDeviceTargets(targets map[string]map[string]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modeDeviceTargets = targets
	a.recomputeKnownModesLocked()
}

func (a *App) ApplyCapacityPriorities(priorities map[string]map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacityPriorities = priorities
	a.recomputeKnownModesLocked()
}

// recomputeKnownModesLocked derives the known-modes set (for flow.App.KnownModes/
// is_capacity_mode validation) from whichever per-mode settings maps have been loaded, plus
// the builder's own default mode. Mode alias targets are not added. Must be called with
// a.mu held.
func (a *App) recomputeKnownModesLocked() {
	seen := map[string]bool{plan.DefaultMode: true}
	for mode := range a.modeDeviceTargets {
		seen[mode] = true
	}
	for mode := range a.capacityPriorities {
		seen[mode] = true
	}
	modes := make([]string, 0, len(seen))
	for mode := range seen {
		modes = append(modes, mode)
	}
	a.knownModes = modes
}

func (a *App) ApplyOperatingMode(mode string) {
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
}

func (a *App) ApplyShedBehaviors(raw map[string]shedBehaviorEntry) {
	behaviors := make(map[string]telemetry.ShedBehavior, len(raw))
	for id, entry := range raw {
		behaviors[id] = telemetry.ShedBehavior{
			Action:      telemetry.ShedAction(entry.Action),
			Temperature: entry.Temperature,
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shedBehaviors = behaviors
}

func (a *App) ApplyPriceOptimizationEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.priceOptEnabled = enabled
}

func (a *App) ApplyPriceOptimizations(raw map[string]priceOptimizationEntry) {
	optimizations := make(map[string]telemetry.PriceOptimization, len(raw))
	for id, entry := range raw {
		optimizations[id] = telemetry.PriceOptimization{
			Enabled:         entry.Enabled,
			CheapDeltaC:     entry.CheapDeltaC,
			ExpensiveDeltaC: entry.ExpensiveDeltaC,
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.priceOptimizations = optimizations
}

func (a *App) ApplyCombinedPrices(byHour map[string]float64, loc *time.Location) {
	converted := make(map[int64]float64, len(byHour))
	for hourISO, price := range byHour {
		hourTime, err := time.ParseInLocation(time.RFC3339, hourISO, loc)
		if err != nil {
			a.logger.Warn("Skipping unparsable combined_prices key", "key", hourISO, "error", err)
			continue
		}
		converted[hourTime.UnixMilli()] = price
	}
	a.prices.LoadPrices(converted)
}

func (a *App) ApplyDailyBudget(enabled bool, kwh float64) {
	if !enabled {
		a.budget.SetDailyBudgetKWh(0)
		return
	}
	a.budget.SetDailyBudgetKWh(kwh)
}

func (a *App) ApplyDeviceConfigs(controllable, managed []deviceEntry) {
	managedIDs := make(map[string]bool, len(managed))
	for _, m := range managed {
		managedIDs[m.ID] = true
	}

	configs := make([]devicecache.Config, 0, len(controllable))
	for _, d := range controllable {
		configs = append(configs, devicecache.Config{
			ID:           d.ID,
			Name:         d.Name,
			Zone:         d.Zone,
			Controllable: true,
			Managed:      managedIDs[d.ID],
		})
	}
	a.devices.SetConfigs(configs)
}

