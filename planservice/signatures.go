package planservice

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/bverheul/pelscore/telemetry"
)

// actionSignature and detailSignature are plain strings built from a stable (sorted) walk
// of the plan's device rows. Struct equality would do as well, but the rows carry a string
// Reason field that can legitimately differ in content only by a trailing countdown (the
// shed-hold "Ns remaining" annotation); folding everything into one comparable string keeps
// the three signatures symmetrical and is simplest to log when a diff fires.
type signatures struct {
	action string
	detail string
	meta   string
}

// computeSignatures implements spec.md §4.6's three per-cycle signatures.
func computeSignatures(plan telemetry.DevicePlan) signatures {
	rows := append([]telemetry.DeviceRow(nil), plan.Devices...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	var action, detail strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&action, "%s|%s|%.4f|%s|%t;", r.ID, r.PlannedState, r.PlannedTarget, r.ShedAction, r.Controllable)
		fmt.Fprintf(&detail, "%s|%d|%s|%.4f|%s;", r.ID, r.Priority, r.CurrentState, r.CurrentTarget, r.Reason)
	}

	return signatures{
		action: action.String(),
		detail: detail.String(),
		meta:   roundedMetaSignature(plan.Meta),
	}
}

// roundedMetaSignature implements the metaSignature: a rounded copy of plan.meta (kW step
// 0.1, kWh step 0.01, minutes floored to >=0), so that jitter in the underlying figures
// does not by itself trigger a persisted write.
func roundedMetaSignature(meta telemetry.PlanMeta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "total=%s;soft=%s;capsoft=%s;dailysoft=%s;source=%s;headroom=%s;used=%s;budget=%s;",
		roundPtrKw(meta.TotalKw), roundStep(meta.SoftLimitKw, 0.1), roundStep(meta.CapacitySoftLimitKw, 0.1),
		roundPtrKw(meta.DailySoftLimitKw), meta.SoftLimitSource, roundPtrKw(meta.HeadroomKw),
		roundStep(meta.UsedKWh, 0.01), roundStep(meta.BudgetKWh, 0.01))
	fmt.Fprintf(&b, "dailyhour=%s;dailyremain=%s;dailyexceeded=%s;hourlyexhausted=%t;controlled=%s;uncontrolled=%s;minutes=%d;reason=%s",
		roundPtrKwh(meta.DailyBudgetHourKWh), roundPtrKwh(meta.DailyBudgetRemainingKWh), boolPtr(meta.DailyBudgetExceeded),
		meta.HourlyBudgetExhausted, roundStep(meta.ControlledKw, 0.1), roundStep(meta.UncontrolledKw, 0.1),
		floorNonNegative(meta.MinutesRemaining), meta.LimitReason)
	return b.String()
}

func roundStep(value, step float64) string {
	return fmt.Sprintf("%.4f", math.Round(value/step)*step)
}

func roundPtrKw(v *float64) string {
	if v == nil {
		return "nil"
	}
	return roundStep(*v, 0.1)
}

func roundPtrKwh(v *float64) string {
	if v == nil {
		return "nil"
	}
	return roundStep(*v, 0.01)
}

func boolPtr(v *bool) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%t", *v)
}

func floorNonNegative(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(math.Floor(v))
}
