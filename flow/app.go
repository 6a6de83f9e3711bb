package flow

import "time"

// App is the slice of the core's capabilities the Flow cards drive or query. A single
// concrete implementation lives in app.go at the module root, wiring these onto the guard, dailybudget,
// estimator and plan service instances - the cards themselves know nothing about those
// packages directly (spec.md §9 design note).
type App interface {
	// SetExpectedPowerOverride implements the "override expected power" action. A nil kw
	// clears a previously-set override.
	SetExpectedPowerOverride(deviceID string, kw *float64) error

	// ReportPowerSample implements the "report power sample" action.
	ReportPowerSample(kw float64, at time.Time) error

	// SetCapacityLimitKw implements the "set capacity limit" action.
	SetCapacityLimitKw(kw float64) error

	// SetDailyBudgetKWh implements the "set daily budget" action. 0 disables the budget.
	SetDailyBudgetKWh(kwh float64) error

	// SetOperatingMode implements the "set operating mode" action.
	SetOperatingMode(mode string) error

	// SetDeviceControlEnabled implements the "enable/disable capacity control per device" action.
	SetDeviceControlEnabled(deviceID string, enabled bool) error

	// HasCapacityFor implements the has_capacity_for(required_kw) condition.
	HasCapacityFor(requiredKw float64) bool

	// HasHeadroomForDevice implements has_headroom_for_device(device, required_kw), testing
	// headroom + device.currentKw against requiredKw. ok is false for an unknown device.
	HasHeadroomForDevice(deviceID string, requiredKw float64) (result, ok bool)

	// PriceLevelIs implements the price_level_is condition.
	PriceLevelIs(level string) bool

	// IsCapacityMode implements the is_capacity_mode condition.
	IsCapacityMode(mode string) bool

	// KnownDeviceIDs lists device IDs currently visible to the core, used to validate
	// action/condition arguments that reference a device.
	KnownDeviceIDs() []string

	// KnownModes lists the configured operating modes, used to validate set_operating_mode.
	KnownModes() []string
}
