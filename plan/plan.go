// Package plan implements the Plan Engine: the Plan Builder (spec.md §4.4)
// and Plan Executor (spec.md §4.5), the core of the system. It is the
// largest and hardest subsystem - everything else exists to feed it
// snapshots or apply its output.
//
// The overall shape - a pure build step consuming fan-in'd telemetry,
// followed by a constrained prioritisation pass - is grounded on the
// teacher's Controller.runControlLoop/prioritiseControlComponents
// (cepro-simt-flux/controller/controller.go): candidates are walked in
// priority order, accumulating against a running bound, with
// lower-priority candidates only affecting the outcome when a
// higher-priority one leaves room. The concrete candidates here (shed a
// device vs. restore it) have no BESS analogue and are new.
package plan

import "time"

// Tuning constants the spec leaves to the implementer (§9 Open Questions), picked here and
// recorded in the grounding ledger.
const (
	// RestoreMarginKw is the buffer added on top of a restore candidate's estimated power
	// draw before a restore is judged safe.
	RestoreMarginKw = 0.3

	// RestoreCooldown bounds how often a single device may be considered for restore.
	RestoreCooldown = 2 * time.Minute

	// MinShedHoldDuration keeps a set_temperature-shed device held at its shed temperature
	// for a minimum period after the acute pressure that caused the shed clears, per
	// spec.md §4.4 Phase E.
	MinShedHoldDuration = 10 * time.Minute

	// SwapSettleWindow is the window during which a swap's peer shed is considered still
	// pending settlement, per spec.md §9's ≈60s estimate.
	SwapSettleWindow = 60 * time.Second

	// TemperatureClampMin/Max is the invariant-mandated absolute clamp (spec.md §3
	// invariant 3) applied after any device-specific min/max.
	TemperatureClampMin = -50.0
	TemperatureClampMax = 50.0

	// TemperatureQuantizeStepC is the quantisation step spec.md §3 invariant 3 requires
	// ("clamped... and quantised per device class"). No device-class table survived the
	// distillation (spec.md §9), so a single global 0.5°C step is used for every device -
	// the coarsest granularity common to the thermostat classes seen in the source
	// material, chosen for regression parity per spec.md §9's guidance to "pick the one
	// required" when several candidates exist.
	TemperatureQuantizeStepC = 0.5

	// DefaultPriority is assigned to devices absent from the active mode's priority map;
	// it is deliberately worse than any explicit priority so such devices shed first
	// (spec.md §3 invariant 2).
	DefaultPriority = 999

	// DefaultMode/DefaultLimitKw/DefaultMarginKw are the builder's failure-mode defaults
	// (spec.md §4.4, "Malformed settings ... fall back to defaults").
	DefaultMode     = "Home"
	DefaultLimitKw  = 10.0
	DefaultMarginKw = 0.2
)
