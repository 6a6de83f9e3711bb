package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bverheul/pelscore/flow"
	"github.com/bverheul/pelscore/plan"
)

// inertActionCard/inertConditionCard/inertTriggerCard satisfy flow.Registry's card
// interfaces without a real home-automation platform behind them: the platform's Flow
// runtime is, like the settings UI itself, an external collaborator out of this module's
// scope (spec.md §1). Keeping RegisterActions/RegisterConditions/RegisterTriggers wired
// against a real (if inert) Registry - rather than skipping registration altogether - keeps
// every Flow card's argument validation and App wiring exercised by the process, ready for
// whichever concrete platform bridge replaces this stub.
type inertActionCard struct {
	id       string
	listener func(ctx context.Context, args map[string]any) (any, error)
}

func (c *inertActionCard) RegisterRunListener(fn func(ctx context.Context, args map[string]any) (any, error)) {
	c.listener = fn
}

type inertConditionCard struct {
	id       string
	listener func(ctx context.Context, args map[string]any) (bool, error)
}

func (c *inertConditionCard) RegisterRunListener(fn func(ctx context.Context, args map[string]any) (bool, error)) {
	c.listener = fn
}

type inertTriggerCard struct {
	id       string
	logger   *slog.Logger
	listener func(ctx context.Context, args, state map[string]any) (bool, error)
}

func (c *inertTriggerCard) RegisterRunListener(fn func(ctx context.Context, args, state map[string]any) (bool, error)) {
	c.listener = fn
}

func (c *inertTriggerCard) Trigger(tokens, state map[string]any) error {
	c.logger.Debug("Flow trigger fired with no platform bridge attached", "card_id", c.id, "tokens", tokens, "state", state)
	return nil
}

type inertFlowRegistry struct {
	logger *slog.Logger
}

func newInertFlowRegistry() *inertFlowRegistry {
	return &inertFlowRegistry{logger: slog.Default().With("component", "flow_registry")}
}

func (r *inertFlowRegistry) GetActionCard(id string) flow.ActionCard       { return &inertActionCard{id: id} }
func (r *inertFlowRegistry) GetConditionCard(id string) flow.ConditionCard { return &inertConditionCard{id: id} }
func (r *inertFlowRegistry) GetTriggerCard(id string) flow.TriggerCard {
	return &inertTriggerCard{id: id, logger: r.logger}
}

// settingsDeps bundles the components settings-key handlers update, to keep
// loadInitialSettings/subscribeSettings's signatures manageable.
type settingsDeps struct {
	app      *App
	executor *plan.Executor
	loc      *time.Location
}

// storeReaderSubscriber narrows settingsstore.Store to the Get/Subscribe surface this file
// needs, so it doesn't have to import settingsstore just to name the type in settingsDeps.
type storeReaderSubscriber interface {
	Get(key string, out interface{}) (bool, error)
	Subscribe(key string, handler func(key string, raw json.RawMessage)) func()
}

// loadInitialSettings reads every settings key the App Shell owns (spec.md §6) once at
// boot, applying whatever is already persisted before the control loop starts ticking.
func loadInitialSettings(store storeReaderSubscriber, app *App, executor *plan.Executor, loc *time.Location) {
	deps := settingsDeps{app: app, executor: executor, loc: loc}

	applyCapacityLimits(store, deps)
	applyDryRun(store, deps)
	applyModeAliases(store, deps)
	applyModeDeviceTargets(store, deps)
	applyCapacityPriorities(store, deps)
	applyOperatingMode(store, deps)
	applyDeviceConfigs(store, deps)
	applyShedBehaviors(store, deps)
	applyPriceOptimizationEnabled(store, deps)
	applyPriceOptimizations(store, deps)
	applyCombinedPrices(store, deps)
	applyDailyBudget(store, deps)
}

// subscribeSettings arms a live subscription for every key loadInitialSettings reads, so
// the App Shell reacts to settings UI edits without restarting. Unlike loadInitialSettings,
// handlers here also trigger a plan rebuild where the change could affect the current plan.
func subscribeSettings(store storeReaderSubscriber, app *App, executor *plan.Executor, loc *time.Location) {
	deps := settingsDeps{app: app, executor: executor, loc: loc}

	store.Subscribe(keyCapacityLimitKw, func(string, json.RawMessage) { applyCapacityLimits(store, deps); app.maybeRebuild("settings:capacity_limit_kw") })
	store.Subscribe(keyCapacityMarginKw, func(string, json.RawMessage) { applyCapacityLimits(store, deps); app.maybeRebuild("settings:capacity_margin_kw") })
	store.Subscribe(keyCapacityDryRun, func(string, json.RawMessage) { applyDryRun(store, deps) })
	store.Subscribe(keyModeAliases, func(string, json.RawMessage) { applyModeAliases(store, deps); app.maybeRebuild("settings:mode_aliases") })
	store.Subscribe(keyModeDeviceTargets, func(string, json.RawMessage) { applyModeDeviceTargets(store, deps); app.maybeRebuild("settings:mode_device_targets") })
	store.Subscribe(keyCapacityPriorities, func(string, json.RawMessage) { applyCapacityPriorities(store, deps); app.maybeRebuild("settings:capacity_priorities") })
	store.Subscribe(keyOperatingMode, func(string, json.RawMessage) { applyOperatingMode(store, deps); app.maybeRebuild("settings:operating_mode") })
	store.Subscribe(keyControllableDevices, func(string, json.RawMessage) { applyDeviceConfigs(store, deps); app.maybeRebuild("settings:controllable_devices") })
	store.Subscribe(keyManagedDevices, func(string, json.RawMessage) { applyDeviceConfigs(store, deps); app.maybeRebuild("settings:managed_devices") })
	store.Subscribe(keyOvershootBehaviors, func(string, json.RawMessage) { applyShedBehaviors(store, deps); app.maybeRebuild("settings:overshoot_behaviors") })
	store.Subscribe(keyPriceOptimizationOn, func(string, json.RawMessage) { applyPriceOptimizationEnabled(store, deps); app.maybeRebuild("settings:price_optimization_enabled") })
	store.Subscribe(keyPriceOptimizationSet, func(string, json.RawMessage) { applyPriceOptimizations(store, deps); app.maybeRebuild("settings:price_optimization_settings") })
	store.Subscribe(keyCombinedPrices, func(string, json.RawMessage) { applyCombinedPrices(store, deps); app.maybeRebuild("settings:combined_prices") })
	store.Subscribe(keyDailyBudgetEnabled, func(string, json.RawMessage) { applyDailyBudget(store, deps); app.maybeRebuild("settings:daily_budget_enabled") })
	store.Subscribe(keyDailyBudgetKWh, func(string, json.RawMessage) { applyDailyBudget(store, deps); app.maybeRebuild("settings:daily_budget_kwh") })
}

func applyCapacityLimits(store storeReaderSubscriber, deps settingsDeps) {
	var limitKw, marginKw float64
	var limitPtr, marginPtr *float64
	if ok, _ := store.Get(keyCapacityLimitKw, &limitKw); ok {
		limitPtr = &limitKw
	}
	if ok, _ := store.Get(keyCapacityMarginKw, &marginKw); ok {
		marginPtr = &marginKw
	}
	deps.app.ApplyCapacitySettings(limitPtr, marginPtr)
}

func applyDryRun(store storeReaderSubscriber, deps settingsDeps) {
	var dryRun bool
	if ok, _ := store.Get(keyCapacityDryRun, &dryRun); ok && deps.executor != nil {
		deps.executor.SetDryRun(dryRun)
	}
}

func applyModeAliases(store storeReaderSubscriber, deps settingsDeps) {
	aliases := map[string]string{}
	store.Get(keyModeAliases, &aliases)
	deps.app.ApplyModeAliases(aliases)
}

func applyModeDeviceTargets(store storeReaderSubscriber, deps settingsDeps) {
	targets := map[string]map[string]float64{}
	store.Get(keyModeDeviceTargets, &targets)
	deps.app.ApplyModeDeviceTargets(targets)
}

func applyCapacityPriorities(store storeReaderSubscriber, deps settingsDeps) {
	priorities := map[string]map[string]int{}
	store.Get(keyCapacityPriorities, &priorities)
	deps.app.ApplyCapacityPriorities(priorities)
}

func applyOperatingMode(store storeReaderSubscriber, deps settingsDeps) {
	var mode string
	if ok, _ := store.Get(keyOperatingMode, &mode); ok && mode != "" {
		deps.app.ApplyOperatingMode(mode)
	}
}

func applyDeviceConfigs(store storeReaderSubscriber, deps settingsDeps) {
	var controllable, managed []deviceEntry
	store.Get(keyControllableDevices, &controllable)
	store.Get(keyManagedDevices, &managed)
	deps.app.ApplyDeviceConfigs(controllable, managed)
}

func applyShedBehaviors(store storeReaderSubscriber, deps settingsDeps) {
	behaviors := map[string]shedBehaviorEntry{}
	store.Get(keyOvershootBehaviors, &behaviors)
	deps.app.ApplyShedBehaviors(behaviors)
}

func applyPriceOptimizationEnabled(store storeReaderSubscriber, deps settingsDeps) {
	var enabled bool
	store.Get(keyPriceOptimizationOn, &enabled)
	deps.app.ApplyPriceOptimizationEnabled(enabled)
}

func applyPriceOptimizations(store storeReaderSubscriber, deps settingsDeps) {
	optimizations := map[string]priceOptimizationEntry{}
	store.Get(keyPriceOptimizationSet, &optimizations)
	deps.app.ApplyPriceOptimizations(optimizations)
}

func applyCombinedPrices(store storeReaderSubscriber, deps settingsDeps) {
	byHour := map[string]float64{}
	store.Get(keyCombinedPrices, &byHour)
	deps.app.ApplyCombinedPrices(byHour, deps.loc)
}

func applyDailyBudget(store storeReaderSubscriber, deps settingsDeps) {
	var enabled bool
	var kwh float64
	store.Get(keyDailyBudgetEnabled, &enabled)
	store.Get(keyDailyBudgetKWh, &kwh)
	deps.app.ApplyDailyBudget(enabled, kwh)
}
