package flow

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Action card IDs, stable per spec.md §6.
const (
	ActionSetExpectedPower  = "set_expected_power"
	ActionReportPowerSample = "report_power_sample"
	ActionSetCapacityLimit  = "set_capacity_limit"
	ActionSetDailyBudget    = "set_daily_budget"
	ActionSetOperatingMode  = "set_operating_mode"
	ActionSetDeviceControl  = "set_device_control_enabled"
)

// MinDailyBudgetKWh and MaxDailyBudgetKWh bound the non-zero daily budget argument
// (spec.md §6: "0 disables; otherwise clamped [MIN, MAX]"). The sources don't fix exact
// numbers for a home installation; picked to cover a single-device heater up to a small
// all-electric house (see DESIGN.md Open Questions).
const (
	MinDailyBudgetKWh = 1.0
	MaxDailyBudgetKWh = 200.0
)

// RegisterActions wires every Flow action card named in spec.md §6 onto app.
func RegisterActions(registry Registry, app App) {
	registry.GetActionCard(ActionSetExpectedPower).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (any, error) {
			deviceID, err := stringArg(args, "device")
			if err != nil {
				return nil, err
			}
			if !knownDevice(app, deviceID) {
				return nil, fmt.Errorf("unknown device %q", deviceID)
			}

			kw, clear, err := optionalFloatArg(args, "kw")
			if err != nil {
				return nil, err
			}
			if clear {
				return nil, app.SetExpectedPowerOverride(deviceID, nil)
			}
			return nil, app.SetExpectedPowerOverride(deviceID, &kw)
		})

	registry.GetActionCard(ActionReportPowerSample).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (any, error) {
			watts, err := floatArg(args, "power")
			if err != nil {
				return nil, err
			}
			if watts < 0 {
				return nil, fmt.Errorf("power sample must be non-negative, got %g", watts)
			}
			return nil, app.ReportPowerSample(watts/1000.0, time.Now())
		})

	registry.GetActionCard(ActionSetCapacityLimit).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (any, error) {
			kw, err := floatArg(args, "kw")
			if err != nil {
				return nil, err
			}
			if kw <= 0 {
				return nil, fmt.Errorf("capacity limit must be positive, got %g", kw)
			}
			return nil, app.SetCapacityLimitKw(kw)
		})

	registry.GetActionCard(ActionSetDailyBudget).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (any, error) {
			kwh, err := floatArg(args, "kwh")
			if err != nil {
				return nil, err
			}
			if kwh != 0 {
				if kwh < MinDailyBudgetKWh {
					kwh = MinDailyBudgetKWh
				}
				if kwh > MaxDailyBudgetKWh {
					kwh = MaxDailyBudgetKWh
				}
			}
			return nil, app.SetDailyBudgetKWh(kwh)
		})

	registry.GetActionCard(ActionSetOperatingMode).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (any, error) {
			mode, err := stringArg(args, "mode")
			if err != nil {
				return nil, err
			}
			if !slices.Contains(app.KnownModes(), mode) {
				return nil, fmt.Errorf("unknown operating mode %q", mode)
			}
			return nil, app.SetOperatingMode(mode)
		})

	registry.GetActionCard(ActionSetDeviceControl).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (any, error) {
			deviceID, err := stringArg(args, "device")
			if err != nil {
				return nil, err
			}
			if !knownDevice(app, deviceID) {
				return nil, fmt.Errorf("unknown device %q", deviceID)
			}
			enabled, err := boolArg(args, "enabled")
			if err != nil {
				return nil, err
			}
			return nil, app.SetDeviceControlEnabled(deviceID, enabled)
		})
}

func knownDevice(app App, deviceID string) bool {
	return slices.Contains(app.KnownDeviceIDs(), deviceID)
}
