package plan

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/bverheul/pelscore/telemetry"
)

// DeviceWriter is the write side of the SDK the executor needs; a concrete implementation
// lives in the sdk package. Modelled as a narrow interface per spec.md §9's
// PlanExecutorContext design note, so tests can supply a fake.
type DeviceWriter interface {
	SetOnOff(ctx context.Context, deviceID string, on bool) error
	SetTargetTemperature(ctx context.Context, deviceID string, target float64) error
}

// GuardPort is the subset of the Capacity Guard the executor drives after applying a plan.
type GuardPort interface {
	SetSheddingActive(active bool)
	CheckShortfall(hasCandidates bool, deficitKw float64, now time.Time)
}

// Executor is the Plan Executor (spec.md §4.5).
type Executor struct {
	writer DeviceWriter
	dryRun atomic.Bool
	logger *slog.Logger
}

// NewExecutor creates an Executor. writer may be a dry-run-aware fake; dryRun additionally
// suppresses all SDK calls at this layer regardless of writer behaviour, per spec.md §4.5.
func NewExecutor(writer DeviceWriter, dryRun bool) *Executor {
	e := &Executor{
		writer: writer,
		logger: slog.Default().With("component", "plan_executor"),
	}
	e.dryRun.Store(dryRun)
	return e
}

// SetDryRun updates the dry-run flag live, backing the capacity_dry_run settings key
// (spec.md §6) - dry run can be toggled from the settings UI without restarting the process.
func (e *Executor) SetDryRun(dryRun bool) {
	e.dryRun.Store(dryRun)
}

// DeviceApplyError records a per-device failure; it never aborts the rest of the plan.
type DeviceApplyError struct {
	DeviceID string
	Err      error
}

// ApplyResult is the outcome of applying one plan.
type ApplyResult struct {
	Errors         []DeviceApplyError
	UnavailableIDs []string // devices to mark available=false in the local snapshot
}

// Apply issues the SDK calls each device row needs to reach its planned state - at most one
// per row, except that restoring an off device whose target also differs takes two (on/off,
// then target) - then drives the Guard's shedding-active latch and shortfall check. headroomRaw is Phase
// A's raw headroom figure (nil if no power sample), used only to compute the shortfall
// deficit for logging/callback purposes.
func (e *Executor) Apply(ctx context.Context, plan telemetry.DevicePlan, guard GuardPort, now time.Time, headroomRaw *float64) ApplyResult {
	var result ApplyResult
	var anyShed bool
	var anyControllableKeep bool

	for _, row := range plan.Devices {
		if row.PlannedState == telemetry.PlannedShed {
			anyShed = true
		} else if row.Controllable && row.Managed {
			anyControllableKeep = true
		}

		if err := e.applyRow(ctx, row); err != nil {
			e.logger.Error("Failed to apply device plan row", "device_id", row.ID, "error", err)
			result.Errors = append(result.Errors, DeviceApplyError{DeviceID: row.ID, Err: err})
			result.UnavailableIDs = append(result.UnavailableIDs, row.ID)
		}
	}

	guard.SetSheddingActive(anyShed)

	deficit := 0.0
	if headroomRaw != nil && *headroomRaw < 0 {
		deficit = math.Abs(*headroomRaw)
	}
	guard.CheckShortfall(anyControllableKeep, deficit, now)

	return result
}

func (e *Executor) applyRow(ctx context.Context, row telemetry.DeviceRow) error {
	if !row.Controllable {
		return nil
	}

	if row.PlannedState == telemetry.PlannedShed {
		switch row.ShedAction {
		case telemetry.ShedActionTurnOff:
			if row.CurrentState == telemetry.StateOn {
				return e.setOnOff(ctx, row.ID, false)
			}
		case telemetry.ShedActionSetTemperature:
			if row.CurrentTarget != row.PlannedTarget {
				return e.setTargetTemperature(ctx, row.ID, row.PlannedTarget)
			}
		}
		return nil
	}

	// plannedState == keep.
	if row.CurrentState == telemetry.StateOff {
		if err := e.setOnOff(ctx, row.ID, true); err != nil {
			return err
		}
	}
	if row.CurrentTarget != row.PlannedTarget {
		return e.setTargetTemperature(ctx, row.ID, row.PlannedTarget)
	}
	return nil
}

func (e *Executor) setOnOff(ctx context.Context, deviceID string, on bool) error {
	if e.dryRun.Load() {
		e.logger.Info("Dry run: would set onoff", "device_id", deviceID, "on", on)
		return nil
	}
	return e.writer.SetOnOff(ctx, deviceID, on)
}

func (e *Executor) setTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	if e.dryRun.Load() {
		e.logger.Info("Dry run: would set target temperature", "device_id", deviceID, "target", target)
		return nil
	}
	return e.writer.SetTargetTemperature(ctx, deviceID, target)
}
