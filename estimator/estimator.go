// Package estimator implements the Power Estimator of spec.md §4.3: per
// device, per cycle, it picks an expected-power figure from a small ordered
// cascade of rules and keeps the historic-peak memory that rule 3 reads
// from.
//
// The rule cascade is grounded on the teacher's register-selection style in
// cepro-simt-flux/acuvim2 and cepro-simt-flux/powerpack, where a reading is
// assembled by trying a sequence of register sources in priority order and
// falling back to the next when one is unavailable.
package estimator

import (
	"log/slog"

	"github.com/bverheul/pelscore/telemetry"
)

// Estimator tracks the historic peak measurement per device (rule 3's memory) across
// cycles.
type Estimator struct {
	historicPeakKw map[string]float64
	logger         *slog.Logger
}

// New creates an Estimator with no historic peaks recorded yet.
func New() *Estimator {
	return &Estimator{
		historicPeakKw: make(map[string]float64),
		logger:         slog.Default().With("component", "estimator"),
	}
}

// Result is the per-device outcome of one estimation cycle.
type Result struct {
	PowerKw             float64
	ExpectedPowerKw     float64
	ExpectedPowerSource telemetry.ExpectedPowerSource
	MeasuredPowerKw     *float64
	LoadKw              *float64
}

// Estimate applies spec.md §4.3's five-rule cascade to one device snapshot. The device's
// ID is used as the historic-peak memory key.
func (e *Estimator) Estimate(device telemetry.DeviceSnapshot) Result {
	var measured *float64
	if device.ReportsPower {
		m := device.MeasuredPowerKw
		measured = &m
	}

	// Rule 1: manual override, with measured-when-higher taking priority for
	// responsiveness.
	if device.ManualOverrideKw != nil {
		override := *device.ManualOverrideKw
		if measured != nil && *measured > override {
			return e.finish(device.ID, *measured, telemetry.SourceMeasuredPeak, measured, nil)
		}
		return e.finish(device.ID, override, telemetry.SourceManual, measured, nil)
	}

	// Rule 2: configured load setting.
	if device.ConfiguredLoadKw > 0 {
		load := device.ConfiguredLoadKw
		if measured != nil {
			e.recordPeak(device.ID, *measured)
		}
		return e.finish(device.ID, load, telemetry.SourceLoadSetting, measured, &load)
	}

	// Rule 3: historic peak.
	if peak, ok := e.historicPeakKw[device.ID]; ok {
		return e.finish(device.ID, peak, telemetry.SourceMeasuredPeak, measured, nil)
	}

	// Rule 4: platform-declared energy estimate.
	if device.PlatformEnergyKw != nil {
		return e.finish(device.ID, *device.PlatformEnergyKw, telemetry.SourcePlatformEnergy, measured, nil)
	}

	// Rule 5: default.
	return e.finish(device.ID, telemetry.DefaultExpectedPowerKw, telemetry.SourceDefault, measured, nil)
}

func (e *Estimator) finish(id string, expected float64, source telemetry.ExpectedPowerSource, measured, load *float64) Result {
	power := expected
	if measured != nil {
		power = *measured
	}
	return Result{
		PowerKw:             power,
		ExpectedPowerKw:     expected,
		ExpectedPowerSource: source,
		MeasuredPowerKw:     measured,
		LoadKw:              load,
	}
}

// recordPeak updates the historic peak for id if kw is a fresh maximum.
func (e *Estimator) recordPeak(id string, kw float64) {
	if kw <= 0 {
		return
	}
	if existing, ok := e.historicPeakKw[id]; !ok || kw > existing {
		e.historicPeakKw[id] = kw
		e.logger.Debug("Updated historic peak", "device_id", id, "peak_kw", kw)
	}
}

// HistoricPeakKw returns the recorded historic peak for a device, if any.
func (e *Estimator) HistoricPeakKw(id string) (float64, bool) {
	v, ok := e.historicPeakKw[id]
	return v, ok
}
