package estimator

import (
	"testing"

	"github.com/bverheul/pelscore/telemetry"
)

func floatPtr(v float64) *float64 { return &v }

func TestEstimate_Rule1_ManualOverrideWins(t *testing.T) {
	e := New()
	override := 2.0
	d := telemetry.DeviceSnapshot{ID: "d1", ManualOverrideKw: &override, ReportsPower: true, MeasuredPowerKw: 1.5}

	r := e.Estimate(d)
	if r.ExpectedPowerSource != telemetry.SourceManual {
		t.Errorf("source = %v, want manual", r.ExpectedPowerSource)
	}
	if r.ExpectedPowerKw != 2.0 {
		t.Errorf("expectedPowerKw = %v, want 2.0", r.ExpectedPowerKw)
	}
}

func TestEstimate_Rule1_MeasuredBeatsOverrideWhenHigher(t *testing.T) {
	e := New()
	override := 2.0
	d := telemetry.DeviceSnapshot{ID: "d1", ManualOverrideKw: &override, ReportsPower: true, MeasuredPowerKw: 3.5}

	r := e.Estimate(d)
	if r.ExpectedPowerSource != telemetry.SourceMeasuredPeak {
		t.Errorf("source = %v, want measured-peak", r.ExpectedPowerSource)
	}
	if r.ExpectedPowerKw != 3.5 {
		t.Errorf("expectedPowerKw = %v, want 3.5", r.ExpectedPowerKw)
	}
}

func TestEstimate_Rule2_LoadSetting(t *testing.T) {
	e := New()
	d := telemetry.DeviceSnapshot{ID: "d1", ConfiguredLoadKw: 1.2}

	r := e.Estimate(d)
	if r.ExpectedPowerSource != telemetry.SourceLoadSetting {
		t.Errorf("source = %v, want load-setting", r.ExpectedPowerSource)
	}
	if r.ExpectedPowerKw != 1.2 {
		t.Errorf("expectedPowerKw = %v, want 1.2", r.ExpectedPowerKw)
	}
}

func TestEstimate_Rule3_HistoricPeakUpdatedByRule2(t *testing.T) {
	e := New()
	d1 := telemetry.DeviceSnapshot{ID: "d1", ConfiguredLoadKw: 1.2, ReportsPower: true, MeasuredPowerKw: 2.3}
	e.Estimate(d1) // rule 2 fires, records historic peak from the measurement

	d2 := telemetry.DeviceSnapshot{ID: "d1"} // no override, no load setting this cycle
	r := e.Estimate(d2)
	if r.ExpectedPowerSource != telemetry.SourceMeasuredPeak {
		t.Errorf("source = %v, want measured-peak", r.ExpectedPowerSource)
	}
	if r.ExpectedPowerKw != 2.3 {
		t.Errorf("expectedPowerKw = %v, want 2.3", r.ExpectedPowerKw)
	}
}

func TestEstimate_Rule4_PlatformEnergy(t *testing.T) {
	e := New()
	d := telemetry.DeviceSnapshot{ID: "d1", PlatformEnergyKw: floatPtr(0.8)}

	r := e.Estimate(d)
	if r.ExpectedPowerSource != telemetry.SourcePlatformEnergy {
		t.Errorf("source = %v, want platform-energy", r.ExpectedPowerSource)
	}
	if r.ExpectedPowerKw != 0.8 {
		t.Errorf("expectedPowerKw = %v, want 0.8", r.ExpectedPowerKw)
	}
}

func TestEstimate_Rule5_Default(t *testing.T) {
	e := New()
	d := telemetry.DeviceSnapshot{ID: "d1"}

	r := e.Estimate(d)
	if r.ExpectedPowerSource != telemetry.SourceDefault {
		t.Errorf("source = %v, want default", r.ExpectedPowerSource)
	}
	if r.ExpectedPowerKw != telemetry.DefaultExpectedPowerKw {
		t.Errorf("expectedPowerKw = %v, want %v", r.ExpectedPowerKw, telemetry.DefaultExpectedPowerKw)
	}
}

func TestEstimate_PowerKwPrefersMeasuredWhenAvailable(t *testing.T) {
	e := New()
	d := telemetry.DeviceSnapshot{ID: "d1", ReportsPower: true, MeasuredPowerKw: 0.6, PlatformEnergyKw: floatPtr(0.9)}

	r := e.Estimate(d)
	if r.PowerKw != 0.6 {
		t.Errorf("powerKw = %v, want measured 0.6", r.PowerKw)
	}
	if r.ExpectedPowerKw != 0.9 {
		t.Errorf("expectedPowerKw = %v, want platform estimate 0.9", r.ExpectedPowerKw)
	}
}
