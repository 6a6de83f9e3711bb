package plan

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bverheul/pelscore/telemetry"
)

// BuilderInput is everything the builder needs to produce one DevicePlan; it is an
// immutable snapshot for the duration of one rebuild (spec.md §5: "Plan building is a pure
// synchronous computation from snapshots").
type BuilderInput struct {
	Now time.Time

	Devices []telemetry.DeviceSnapshot

	Mode               string
	ModeAliases        map[string]string            // lowercased alias -> canonical mode name
	ModeDeviceTargets  map[string]map[string]float64 // mode -> deviceID -> target temperature
	CapacityPriorities map[string]map[string]int     // mode -> deviceID -> priority (1 = most important)
	ShedBehaviors      map[string]telemetry.ShedBehavior
	PriceOptimizations map[string]telemetry.PriceOptimization

	PriceLevel telemetry.PriceLevel

	TotalKw             *float64 // Guard's last main-power sample
	CapacitySoftLimitKw float64  // Guard's contract-minus-margin figure
	SheddingActive      bool     // Guard's current shedding-active latch, read for hysteresis
	RestoreMarginKw     float64  // Guard's configured restore margin, used as Phase B hysteresis

	CurrentHourUsedKWh     float64
	CurrentHourBudgetKWh   float64 // 0 disables hourly-exhaustion tightening
	MinutesRemainingInHour float64
	ControlledKw           float64
	UncontrolledKw         float64

	DailyBudget telemetry.DailyBudgetSnapshot
}

// Build runs the Plan Builder's phases A-F (spec.md §4.4) against input, mutating state in
// place (recording the new lastPlannedShedIds etc) and returning the resulting plan. It
// never panics: malformed input falls back to the documented defaults.
func Build(input BuilderInput, state *State) telemetry.DevicePlan {
	state.ensureMaps()
	state.expirePendingSwaps(input.Now)

	mode := canonicalizeMode(input.Mode, input.ModeAliases)

	// Phase A - context.
	capacitySoftLimit := input.CapacitySoftLimitKw
	if !isFinitePositive(capacitySoftLimit) {
		capacitySoftLimit = DefaultLimitKw - DefaultMarginKw
	}

	effectiveSoftLimit, dailySoftLimitKw, softLimitSource, hourlyExhausted, limitReason := computeDynamicSoftLimit(input, capacitySoftLimit)
	state.HourlyBudgetExhausted = hourlyExhausted

	var headroomRaw *float64
	if input.TotalKw != nil {
		h := effectiveSoftLimit - *input.TotalKw
		headroomRaw = &h
	}

	// Phase B - candidate selection & shedding.
	candidates := buildCandidates(input.Devices, mode, input.CapacityPriorities)

	hysteresis := 0.0
	if input.SheddingActive {
		hysteresis = input.RestoreMarginKw
	}
	var neededKw float64
	if headroomRaw != nil {
		neededKw = math.Max(0, -*headroomRaw) + hysteresis
	}

	shedSet := make(map[string]bool)
	reasons := make(map[string]string)
	var accumulated float64

	for _, c := range candidates {
		if !c.device.Controllable || !c.device.Managed {
			continue
		}
		if accumulated >= neededKw {
			continue
		}
		shedSet[c.device.ID] = true
		accumulated += c.device.ExpectedPowerKw
		reasons[c.device.ID] = shedReason(c.device.ID, headroomRaw, hourlyExhausted, softLimitSource, input.DailyBudget.Exceeded, input.SheddingActive, state)
	}

	// A device left physically off from a prior cycle's shed stays held until Phase D
	// explicitly restores it, even if this cycle's headroom accumulation (above) no longer
	// requires shedding it - otherwise every previously-shed device would snap back to
	// "keep" the instant headroom recovers, defeating the one-restore-per-cycle rate limit.
	heldSet := make(map[string]bool, len(shedSet))
	for id := range shedSet {
		heldSet[id] = true
	}
	for _, c := range candidates {
		if shedSet[c.device.ID] || !c.device.Controllable || !c.device.Managed {
			continue
		}
		if !state.LastPlannedShedIds[c.device.ID] {
			continue
		}
		if resolveCurrentState(c.device) == telemetry.StateOff {
			heldSet[c.device.ID] = true
			if reasons[c.device.ID] == "" {
				reasons[c.device.ID] = "cooldown (restore, throttled)"
			}
		} else if shedHoldActive(c.device.ID, c.device, input, state) {
			// A set_temperature shed leaves the device on; it stays held at its shed
			// temperature until MinShedHoldDuration has elapsed (Phase E annotates it).
			heldSet[c.device.ID] = true
		}
	}

	// Phase C - initial per-device plan.
	rows := make(map[string]telemetry.DeviceRow, len(input.Devices))
	for _, d := range input.Devices {
		priority := resolvePriority(mode, d.ID, input.CapacityPriorities)
		rows[d.ID] = buildInitialRow(d, priority, mode, input, heldSet, reasons)
	}

	// Phase D - restore planning (rate-limited to one restore, or one swap, per cycle).
	// Only devices held purely by the prior-cycle hold (not genuinely required by this
	// cycle's headroom accumulation) are restore candidates.
	runRestorePhase(candidates, rows, shedSet, heldSet, reasons, headroomRaw, neededKw, accumulated, input, state)

	// Phase E - shed-temperature hold: devices no longer selected for shedding but still
	// within their minimum hold window remain shed.
	applyShedHold(rows, shedSet, reasons, input.Now, state)

	// Phase F - finalise.
	deviceList := make([]telemetry.DeviceRow, 0, len(rows))
	for _, row := range rows {
		deviceList = append(deviceList, row)
	}
	sort.SliceStable(deviceList, func(i, j int) bool {
		if deviceList[i].Priority != deviceList[j].Priority {
			return deviceList[i].Priority < deviceList[j].Priority
		}
		return deviceList[i].Name < deviceList[j].Name
	})

	newShedIds := make(map[string]bool)
	now := input.Now.UnixMilli()
	for _, row := range deviceList {
		if row.PlannedState == telemetry.PlannedShed {
			newShedIds[row.ID] = true
			if !state.LastPlannedShedIds[row.ID] {
				state.LastDeviceShedMs[row.ID] = now
			}
		}
	}
	state.LastPlannedShedIds = newShedIds
	if len(newShedIds) > 0 {
		state.LastSheddingMs = now
	}
	if headroomRaw != nil && *headroomRaw < 0 {
		state.LastOvershootMs = now
	}

	meta := buildMeta(input, effectiveSoftLimit, capacitySoftLimit, dailySoftLimitKw, softLimitSource, headroomRaw, hourlyExhausted, limitReason)

	return telemetry.DevicePlan{Meta: meta, Devices: deviceList}
}

type candidate struct {
	device   telemetry.DeviceSnapshot
	priority int
}

// buildCandidates orders devices by (-priority, name): highest-priority devices (lowest
// number) are kept, lowest-priority devices are considered for shedding first.
func buildCandidates(devices []telemetry.DeviceSnapshot, mode string, priorities map[string]map[string]int) []candidate {
	out := make([]candidate, 0, len(devices))
	for _, d := range devices {
		out = append(out, candidate{device: d, priority: resolvePriority(mode, d.ID, priorities)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].device.Name < out[j].device.Name
	})
	return out
}

func resolvePriority(mode, deviceID string, priorities map[string]map[string]int) int {
	byDevice, ok := priorities[mode]
	if !ok {
		return DefaultPriority
	}
	p, ok := byDevice[deviceID]
	if !ok {
		return DefaultPriority
	}
	return p
}

func resolveModeTarget(mode, deviceID string, targets map[string]map[string]float64, fallback float64) float64 {
	byDevice, ok := targets[mode]
	if !ok {
		return fallback
	}
	t, ok := byDevice[deviceID]
	if !ok {
		return fallback
	}
	return t
}

func canonicalizeMode(mode string, aliases map[string]string) string {
	if mode == "" {
		return DefaultMode
	}
	if canonical, ok := aliases[strings.ToLower(mode)]; ok {
		return canonical
	}
	return mode
}

func resolveCurrentState(d telemetry.DeviceSnapshot) telemetry.CurrentState {
	if !d.HasOnOff {
		return telemetry.StateNotApplicable
	}
	if !d.Available {
		return telemetry.StateUnknown
	}
	if d.CurrentOn {
		return telemetry.StateOn
	}
	return telemetry.StateOff
}

// clampTemperature bounds value to the device's own min/max (if known), then the
// invariant-mandated absolute [-50, +50] band, then quantises to
// TemperatureQuantizeStepC (spec.md §3 invariant 3) and re-clamps once more since
// rounding can push the quantised value a half-step outside either bound.
func clampTemperature(value float64, min, max *float64) float64 {
	value = clampToBounds(value, min, max)
	value = math.Round(value/TemperatureQuantizeStepC) * TemperatureQuantizeStepC
	value = clampToBounds(value, min, max)
	return value
}

func clampToBounds(value float64, min, max *float64) float64 {
	if min != nil && value < *min {
		value = *min
	}
	if max != nil && value > *max {
		value = *max
	}
	if value < TemperatureClampMin {
		value = TemperatureClampMin
	}
	if value > TemperatureClampMax {
		value = TemperatureClampMax
	}
	return value
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// computeDynamicSoftLimit implements spec.md §4.4's computeDynamicSoftLimit.
func computeDynamicSoftLimit(input BuilderInput, capacitySoftLimit float64) (effective float64, dailySoftLimitKw *float64, source telemetry.SoftLimitSource, hourlyExhausted bool, reason telemetry.LimitReason) {
	hourlyExhausted = input.CurrentHourBudgetKWh > 0 && input.CurrentHourUsedKWh >= input.CurrentHourBudgetKWh

	if input.DailyBudget.SoftLimitKw != nil && *input.DailyBudget.SoftLimitKw < capacitySoftLimit {
		daily := *input.DailyBudget.SoftLimitKw
		if hourlyExhausted {
			return daily, &daily, telemetry.SoftLimitBoth, true, telemetry.LimitReasonBoth
		}
		return daily, &daily, telemetry.SoftLimitDaily, false, telemetry.LimitReasonDaily
	}

	effective = capacitySoftLimit
	source = telemetry.SoftLimitCapacity
	reason = telemetry.LimitReasonNone
	if hourlyExhausted {
		minutesLeft := input.MinutesRemainingInHour
		if minutesLeft < 1 {
			minutesLeft = 1
		}
		remainingKWh := input.CurrentHourBudgetKWh - input.CurrentHourUsedKWh
		if remainingKWh < 0 {
			remainingKWh = 0
		}
		tightened := remainingKWh * 60 / minutesLeft
		if tightened < effective {
			effective = tightened
		}
		reason = telemetry.LimitReasonHourly
	}
	return effective, nil, source, hourlyExhausted, reason
}

func shedReason(deviceID string, headroomRaw *float64, hourlyExhausted bool, source telemetry.SoftLimitSource, dailyExceeded bool, sheddingActive bool, state *State) string {
	if state.PendingSwapTargets[deviceID] {
		return "swap pending"
	}
	if peer, ok := state.SwappedOutFor[deviceID]; ok {
		return fmt.Sprintf("swapped out for %s", peer)
	}
	if dailyExceeded && (source == telemetry.SoftLimitDaily || source == telemetry.SoftLimitBoth) {
		return "daily budget exceeded"
	}
	if hourlyExhausted && source == telemetry.SoftLimitCapacity {
		return "hourly budget exhausted"
	}
	if headroomRaw != nil && *headroomRaw < 0 {
		return fmt.Sprintf("shortfall (need %.2f kW, headroom %.2f kW)", -*headroomRaw, *headroomRaw)
	}
	if sheddingActive {
		return "cooldown (shedding, hysteresis active)"
	}
	return "shed due to capacity"
}

func buildInitialRow(d telemetry.DeviceSnapshot, priority int, mode string, input BuilderInput, shedSet map[string]bool, reasons map[string]string) telemetry.DeviceRow {
	row := telemetry.DeviceRow{
		ID:              d.ID,
		Name:            d.Name,
		Priority:        priority,
		CurrentState:    resolveCurrentState(d),
		CurrentTarget:   d.CurrentTarget,
		ExpectedPowerKw: d.ExpectedPowerKw,
		MeasuredPowerKw: d.MeasuredPowerKw,
		Controllable:    d.Controllable,
		Managed:         d.Managed,
	}
	if d.ReportsPower {
		row.PowerKw = d.MeasuredPowerKw
	} else {
		row.PowerKw = d.ExpectedPowerKw
	}

	if !d.Controllable {
		row.PlannedState = telemetry.PlannedKeep
		row.PlannedTarget = d.CurrentTarget
		row.Reason = "not controllable"
		return row
	}

	if shedSet[d.ID] {
		behavior, hasBehavior := input.ShedBehaviors[d.ID]
		action := telemetry.ShedActionTurnOff
		if hasBehavior {
			action = behavior.Action
		}
		row.PlannedState = telemetry.PlannedShed
		row.ShedAction = action
		row.Reason = reasons[d.ID]

		if action == telemetry.ShedActionSetTemperature {
			temp := clampTemperature(behavior.Temperature, d.MinTemperature, d.MaxTemperature)
			row.ShedTemperature = temp
			row.PlannedTarget = temp
		} else {
			row.PlannedTarget = d.CurrentTarget
		}
		return row
	}

	row.PlannedState = telemetry.PlannedKeep
	row.Reason = "kept"
	if d.HasTarget {
		modeTarget := resolveModeTarget(mode, d.ID, input.ModeDeviceTargets, d.CurrentTarget)
		shaped := modeTarget
		if opt, ok := input.PriceOptimizations[d.ID]; ok && opt.Enabled {
			switch input.PriceLevel {
			case telemetry.PriceCheap:
				shaped += opt.CheapDeltaC
			case telemetry.PriceExpensive:
				shaped += opt.ExpensiveDeltaC
			}
		}
		row.PlannedTarget = clampTemperature(shaped, d.MinTemperature, d.MaxTemperature)
	} else {
		row.PlannedTarget = d.CurrentTarget
	}
	return row
}

// runRestorePhase implements spec.md §4.4 Phase D: at most one restore (or one
// restore-paired-with-a-swap) per cycle. Only devices in heldSet but not genuinely required
// by this cycle's shedSet are eligible - a device the headroom accumulation still needs
// shed is never restored regardless of buffer.
func runRestorePhase(candidates []candidate, rows map[string]telemetry.DeviceRow, shedSet, heldSet map[string]bool, reasons map[string]string, headroomRaw *float64, neededKw, accumulated float64, input BuilderInput, state *State) {
	if headroomRaw == nil {
		return
	}

	// availableHeadroom is the genuine spare capacity left to fund a restore: the real
	// headroom figure, unless this cycle still needs the shedding it accumulated (or is
	// holding a hysteresis margin against flapping), in which case there is none.
	availableHeadroom := 0.0
	if headroomRaw != nil {
		availableHeadroom = *headroomRaw
	}
	if neededKw > accumulated {
		availableHeadroom = 0
	}
	restoredOneThisCycle := false

	// Walk restore candidates in ascending priority order (most important first - best
	// restore candidates).
	shedCandidates := make([]candidate, 0)
	for _, c := range candidates {
		if heldSet[c.device.ID] && !shedSet[c.device.ID] {
			shedCandidates = append(shedCandidates, c)
		}
	}
	sort.SliceStable(shedCandidates, func(i, j int) bool {
		if shedCandidates[i].priority != shedCandidates[j].priority {
			return shedCandidates[i].priority < shedCandidates[j].priority
		}
		return shedCandidates[i].device.Name < shedCandidates[j].device.Name
	})

	for _, c := range shedCandidates {
		if restoredOneThisCycle {
			break
		}
		if state.PendingSwapTargets[c.device.ID] {
			continue
		}
		lastRestoreMs, ok := state.LastDeviceRestoreMs[c.device.ID]
		if ok && input.Now.Sub(time.UnixMilli(lastRestoreMs)) < RestoreCooldown {
			continue
		}
		if shedHoldActive(c.device.ID, c.device, input, state) {
			continue
		}

		restoreBuffer := c.device.ExpectedPowerKw + RestoreMarginKw

		if availableHeadroom >= restoreBuffer {
			restoreRow(rows, heldSet, reasons, state, c, input, "restored")
			restoredOneThisCycle = true
			availableHeadroom -= restoreBuffer
			continue
		}

		// The candidate fails purely on headroom - attempt a swap: shed a lower-priority
		// currently-keep peer to free exactly the room this restore needs (spec.md §4.4
		// Phase D).
		peer, ok := findSwapPeer(candidates, c, shedSet, heldSet, availableHeadroom, restoreBuffer)
		if !ok {
			continue
		}

		shedSwapPeer(rows, shedSet, heldSet, reasons, input, peer)
		restoreRow(rows, heldSet, reasons, state, c, input, "restored")

		state.PendingSwapTargets[peer.device.ID] = true
		state.SwappedOutFor[peer.device.ID] = c.device.ID
		state.PendingSwapTimestamps[peer.device.ID] = input.Now.UnixMilli()

		restoredOneThisCycle = true
		availableHeadroom -= restoreBuffer
	}
}

// restoreRow flips a restore candidate's row to keep, clearing any shed bookkeeping
// (including a stale swappedOutFor entry, since a peer that is itself later restored no
// longer needs to be remembered as "swapped out for" anyone).
func restoreRow(rows map[string]telemetry.DeviceRow, heldSet map[string]bool, reasons map[string]string, state *State, c candidate, input BuilderInput, reason string) {
	delete(heldSet, c.device.ID)
	delete(reasons, c.device.ID)
	row := rows[c.device.ID]
	row.PlannedState = telemetry.PlannedKeep
	row.ShedAction = ""
	row.ShedTemperature = 0
	row.Reason = reason
	row.PlannedTarget = c.device.CurrentTarget
	if c.device.HasTarget {
		modeTarget := resolveModeTarget(canonicalizeMode(input.Mode, input.ModeAliases), c.device.ID, input.ModeDeviceTargets, c.device.CurrentTarget)
		row.PlannedTarget = clampTemperature(modeTarget, c.device.MinTemperature, c.device.MaxTemperature)
	}
	rows[c.device.ID] = row

	state.LastDeviceRestoreMs[c.device.ID] = input.Now.UnixMilli()
	state.LastRestoreMs = input.Now.UnixMilli()
	delete(state.SwappedOutFor, c.device.ID)
}

// findSwapPeer looks for the least-important currently-kept, controllable+managed device
// whose shed alone would free enough headroom to cover target's restore buffer. candidates
// is already ordered least-important-first (buildCandidates), so the first match is the
// peer with the smallest disruption.
func findSwapPeer(candidates []candidate, target candidate, shedSet, heldSet map[string]bool, availableHeadroom, restoreBuffer float64) (candidate, bool) {
	for _, c := range candidates {
		if c.device.ID == target.device.ID {
			continue
		}
		if !c.device.Controllable || !c.device.Managed {
			continue
		}
		if shedSet[c.device.ID] || heldSet[c.device.ID] {
			continue
		}
		if c.priority <= target.priority {
			continue
		}
		if availableHeadroom+c.device.ExpectedPowerKw < restoreBuffer {
			continue
		}
		return c, true
	}
	return candidate{}, false
}

// shedSwapPeer sheds peer in place of the device being restored, recording the "swap
// pending" reason spec.md §4.4 names for the freshly-shed side of a swap.
func shedSwapPeer(rows map[string]telemetry.DeviceRow, shedSet, heldSet map[string]bool, reasons map[string]string, input BuilderInput, peer candidate) {
	row := rows[peer.device.ID]
	behavior, hasBehavior := input.ShedBehaviors[peer.device.ID]
	action := telemetry.ShedActionTurnOff
	if hasBehavior {
		action = behavior.Action
	}
	row.PlannedState = telemetry.PlannedShed
	row.ShedAction = action
	if action == telemetry.ShedActionSetTemperature {
		temp := clampTemperature(behavior.Temperature, peer.device.MinTemperature, peer.device.MaxTemperature)
		row.ShedTemperature = temp
		row.PlannedTarget = temp
	} else {
		row.PlannedTarget = peer.device.CurrentTarget
	}
	row.Reason = "swap pending"
	rows[peer.device.ID] = row

	shedSet[peer.device.ID] = true
	heldSet[peer.device.ID] = true
	reasons[peer.device.ID] = "swap pending"
}

// shedHoldActive reports whether a set_temperature-shed device must remain held at its
// shed temperature because its minimum hold window has not yet elapsed (Phase E).
func shedHoldActive(deviceID string, d telemetry.DeviceSnapshot, input BuilderInput, state *State) bool {
	behavior, ok := input.ShedBehaviors[deviceID]
	if !ok || behavior.Action != telemetry.ShedActionSetTemperature {
		return false
	}
	shedMs, ok := state.LastDeviceShedMs[deviceID]
	if !ok {
		return false
	}
	return input.Now.Sub(time.UnixMilli(shedMs)) < MinShedHoldDuration
}

// applyShedHold re-annotates devices that Phase D would otherwise have left as "kept" or
// that Phase B never selected, but that remain within their minimum shed-temperature hold
// window.
func applyShedHold(rows map[string]telemetry.DeviceRow, shedSet map[string]bool, reasons map[string]string, now time.Time, state *State) {
	for id, shedMs := range state.LastDeviceShedMs {
		row, ok := rows[id]
		if !ok || row.PlannedState != telemetry.PlannedShed {
			continue
		}
		if row.ShedAction != telemetry.ShedActionSetTemperature {
			continue
		}
		if now.Sub(time.UnixMilli(shedMs)) < MinShedHoldDuration && reasons[id] == "" {
			row.Reason = fmt.Sprintf("cooldown (restore, %ds remaining)", int(MinShedHoldDuration.Seconds()-now.Sub(time.UnixMilli(shedMs)).Seconds()))
			rows[id] = row
		}
	}
}

func buildMeta(input BuilderInput, effectiveSoftLimit, capacitySoftLimit float64, dailySoftLimitKw *float64, source telemetry.SoftLimitSource, headroomRaw *float64, hourlyExhausted bool, limitReason telemetry.LimitReason) telemetry.PlanMeta {
	meta := telemetry.PlanMeta{
		TotalKw:               input.TotalKw,
		SoftLimitKw:           effectiveSoftLimit,
		CapacitySoftLimitKw:   capacitySoftLimit,
		DailySoftLimitKw:      dailySoftLimitKw,
		SoftLimitSource:       source,
		HeadroomKw:            headroomRaw,
		UsedKWh:               input.CurrentHourUsedKWh,
		BudgetKWh:             input.CurrentHourBudgetKWh,
		HourlyBudgetExhausted: hourlyExhausted,
		ControlledKw:          input.ControlledKw,
		UncontrolledKw:        input.UncontrolledKw,
		MinutesRemaining:      input.MinutesRemainingInHour,
		LimitReason:           limitReason,
	}
	if input.DailyBudget.HourlyAllowanceKWh > 0 {
		v := input.DailyBudget.HourlyAllowanceKWh
		meta.DailyBudgetHourKWh = &v
	}
	if dailySoftLimitKw != nil {
		v := input.DailyBudget.DailyRemainingKWh
		meta.DailyBudgetRemainingKWh = &v
		exceeded := input.DailyBudget.Exceeded
		meta.DailyBudgetExceeded = &exceeded
	}
	return meta
}
