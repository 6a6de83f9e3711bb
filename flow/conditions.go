package flow

import "context"

// Condition card IDs, stable per spec.md §6.
const (
	ConditionHasCapacityFor        = "has_capacity_for"
	ConditionHasHeadroomForDevice  = "has_headroom_for_device"
	ConditionPriceLevelIs          = "price_level_is"
	ConditionIsCapacityMode        = "is_capacity_mode"
)

// RegisterConditions wires every Flow condition card named in spec.md §6 onto app.
// Per spec.md §7, an unknown device or mode makes the condition report false rather than
// erroring; a missing or malformed argument is still returned as an error.
func RegisterConditions(registry Registry, app App) {
	registry.GetConditionCard(ConditionHasCapacityFor).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (bool, error) {
			kw, err := floatArg(args, "required_kw")
			if err != nil {
				return false, err
			}
			return app.HasCapacityFor(kw), nil
		})

	registry.GetConditionCard(ConditionHasHeadroomForDevice).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (bool, error) {
			deviceID, err := stringArg(args, "device")
			if err != nil {
				return false, err
			}
			kw, err := floatArg(args, "required_kw")
			if err != nil {
				return false, err
			}
			result, ok := app.HasHeadroomForDevice(deviceID, kw)
			if !ok {
				return false, nil
			}
			return result, nil
		})

	registry.GetConditionCard(ConditionPriceLevelIs).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (bool, error) {
			level, err := stringArg(args, "level")
			if err != nil {
				return false, err
			}
			return app.PriceLevelIs(level), nil
		})

	registry.GetConditionCard(ConditionIsCapacityMode).RegisterRunListener(
		func(ctx context.Context, args map[string]any) (bool, error) {
			mode, err := stringArg(args, "mode")
			if err != nil {
				return false, err
			}
			return app.IsCapacityMode(mode), nil
		})
}
