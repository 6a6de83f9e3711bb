package flow

// Trigger card IDs, stable per spec.md §6.
const (
	TriggerOperatingModeChanged = "operating_mode_changed"
	TriggerPriceLevelChanged    = "price_level_changed"
)

// RegisterTriggers looks up the two Flow trigger cards named in spec.md §6 and returns a
// Triggers handle the app shell fires as the underlying state actually changes.
func RegisterTriggers(registry Registry) Triggers {
	return Triggers{
		operatingModeChanged: registry.GetTriggerCard(TriggerOperatingModeChanged),
		priceLevelChanged:    registry.GetTriggerCard(TriggerPriceLevelChanged),
	}
}

// Triggers fires the platform Flow trigger cards. It holds only the two TriggerCard handles
// returned by the registry - no reference back to the app itself.
type Triggers struct {
	operatingModeChanged TriggerCard
	priceLevelChanged    TriggerCard
}

// FireOperatingModeChanged fires operating_mode_changed(mode) with the new mode as both the
// trigger token and run-listener state, per spec.md §6.
func (t Triggers) FireOperatingModeChanged(mode string) error {
	if t.operatingModeChanged == nil {
		return nil
	}
	tokens := map[string]any{"mode": mode}
	return t.operatingModeChanged.Trigger(tokens, tokens)
}

// FirePriceLevelChanged fires price_level_changed(level) with state {priceLevel}, per
// spec.md §4.6/§6.
func (t Triggers) FirePriceLevelChanged(level string) error {
	if t.priceLevelChanged == nil {
		return nil
	}
	return t.priceLevelChanged.Trigger(
		map[string]any{"level": level},
		map[string]any{"priceLevel": level},
	)
}
