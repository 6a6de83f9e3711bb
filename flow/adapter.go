package flow

import (
	"log/slog"

	"github.com/bverheul/pelscore/telemetry"
)

// planUpdateFanOutDepth bounds how many unread plan_updated events the settings UI's
// realtime channel will buffer; while it is full, each new event is dropped. The persisted
// device_plan_snapshot remains the source of truth regardless.
const planUpdateFanOutDepth = 8

// Adapter implements planservice.EventSink (defined in the planservice package, not
// imported here to avoid a dependency cycle - planservice already depends on telemetry) by
// firing the price_level_changed Flow trigger and fanning plan_updated out to the settings
// UI's realtime channel.
type Adapter struct {
	triggers     Triggers
	planUpdates  chan telemetry.DevicePlan
	logger       *slog.Logger
}

// NewAdapter creates an Adapter. Call PlanUpdates to obtain the realtime channel the
// settings UI websocket handler (out of scope, per spec.md §1) reads from.
func NewAdapter(triggers Triggers) *Adapter {
	return &Adapter{
		triggers:    triggers,
		planUpdates: make(chan telemetry.DevicePlan, planUpdateFanOutDepth),
		logger:      slog.Default().With("component", "flow_adapter"),
	}
}

// PlanUpdates returns the channel plan_updated events are fanned out on.
func (a *Adapter) PlanUpdates() <-chan telemetry.DevicePlan {
	return a.planUpdates
}

// EmitPlanUpdated implements planservice.EventSink. It is a realtime UI signal, distinct
// from the device_plan_snapshot write planservice already performs - dropped non-blocking
// if nothing is listening.
func (a *Adapter) EmitPlanUpdated(p telemetry.DevicePlan) {
	select {
	case a.planUpdates <- p:
	default:
		a.logger.Warn("Dropped plan_updated event, no UI listener reading fast enough")
	}
}

// EmitPriceLevelChanged implements planservice.EventSink by firing the price_level_changed
// Flow trigger card.
func (a *Adapter) EmitPriceLevelChanged(level telemetry.PriceLevel) {
	if err := a.triggers.FirePriceLevelChanged(string(level)); err != nil {
		a.logger.Error("Failed to fire price_level_changed trigger", "error", err)
	}
}
