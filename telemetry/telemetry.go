// Package telemetry holds the data types shared between the capacity guard,
// the plan engine and its supporting subsystems. Nothing in this package
// does any work of its own - it is the common vocabulary the rest of the
// module is built from.
package telemetry

import (
	"math"
	"time"
)

func roundToStep(value, step float64) float64 {
	return math.Round(value/step) * step
}

// ExpectedPowerSource records which rule in the Power Estimator produced a
// device's expectedPowerKw figure.
type ExpectedPowerSource string

const (
	SourceManual         ExpectedPowerSource = "manual"
	SourceMeasuredPeak   ExpectedPowerSource = "measured-peak"
	SourceLoadSetting    ExpectedPowerSource = "load-setting"
	SourcePlatformEnergy ExpectedPowerSource = "platform-energy"
	SourceDefault        ExpectedPowerSource = "default"
)

// DefaultExpectedPowerKw is used when no other estimate of a device's draw is available.
const DefaultExpectedPowerKw = 1.0

// CurrentState is the device's last-known on/off state as reported by the platform SDK.
type CurrentState string

const (
	StateOn            CurrentState = "on"
	StateOff           CurrentState = "off"
	StateUnknown       CurrentState = "unknown"
	StateNotApplicable CurrentState = "not_applicable"
)

// PlannedState is what the plan engine has decided to do with a device this cycle.
type PlannedState string

const (
	PlannedKeep PlannedState = "keep"
	PlannedShed PlannedState = "shed"
)

// ShedAction describes how a device is shed, when it is.
type ShedAction string

const (
	ShedActionTurnOff        ShedAction = "turn_off"
	ShedActionSetTemperature ShedAction = "set_temperature"
)

// ShedBehavior is the configured way a particular device should be shed.
type ShedBehavior struct {
	Action      ShedAction
	Temperature float64 // only meaningful when Action == ShedActionSetTemperature, pre-clamp
}

// PriceLevel classifies the current hour's spot price.
type PriceLevel string

const (
	PriceCheap     PriceLevel = "cheap"
	PriceNormal    PriceLevel = "normal"
	PriceExpensive PriceLevel = "expensive"
	PriceUnknown   PriceLevel = "unknown"
)

// PriceOptimization is the per-device configuration for shaping a device's target
// temperature by the current price level.
type PriceOptimization struct {
	Enabled         bool
	CheapDeltaC     float64
	ExpensiveDeltaC float64
}

// DeviceSnapshot is the ephemeral, read-only-per-cycle view of one target device that the
// home-automation platform hands to the core. It is refreshed by a collaborator (the SDK
// device feed) and never mutated by the plan engine itself; the executor does not update it
// after a successful write, so a write shows up only once the feed next refreshes it.
type DeviceSnapshot struct {
	ID   string
	Name string
	Zone string

	Controllable bool // defaults true
	Managed      bool // defaults true
	HasOnOff     bool
	HasTarget    bool // has a temperature-target capability
	ReportsPower bool

	CurrentOn          bool
	CurrentTemperature float64
	CurrentTarget      float64
	MeasuredPowerKw    float64

	// MinTemperature/MaxTemperature bound any planned target for this device; a nil pair
	// means "unknown", i.e. no clamp beyond the invariant [-50, 50] band.
	MinTemperature *float64
	MaxTemperature *float64

	// Derived per cycle by the Power Estimator - callers should treat these as outputs,
	// not inputs, of a control cycle.
	ExpectedPowerKw     float64
	ExpectedPowerSource ExpectedPowerSource
	LoadKw              float64

	// ManualOverrideKw, if non-nil, is the manual expected-power override set via a Flow
	// action (rule 1 of the Power Estimator).
	ManualOverrideKw *float64

	// ConfiguredLoadKw is the "load" setting read by the Power Estimator's rule 2.
	ConfiguredLoadKw float64

	// PlatformEnergyKw, if non-nil, is the platform-declared energy estimate (rule 4).
	PlatformEnergyKw *float64

	Available   bool
	LastUpdated time.Time
}

// PowerSample is one reading of the house's total electrical draw.
type PowerSample struct {
	Kw   float64
	Time time.Time
}

// CapacitySettings are the contract-level numbers the Capacity Guard is configured with.
type CapacitySettings struct {
	LimitKw  float64
	MarginKw float64
	DryRun   bool
}

// HourlyBucket is one hour's worth of accumulated energy, as tracked by the Power Tracker.
type HourlyBucket struct {
	HourStartMs     int64
	KWh             float64
	ControlledKWh   float64
	UncontrolledKWh float64
}

// SoftLimitSource records which constraint produced the effective soft limit this cycle.
type SoftLimitSource string

const (
	SoftLimitCapacity SoftLimitSource = "capacity"
	SoftLimitDaily    SoftLimitSource = "daily"
	SoftLimitBoth     SoftLimitSource = "both"
)

// LimitReason mirrors SoftLimitSource for the UI-facing status payload, plus "none" and "hourly".
type LimitReason string

const (
	LimitReasonNone   LimitReason = "none"
	LimitReasonHourly LimitReason = "hourly"
	LimitReasonDaily  LimitReason = "daily"
	LimitReasonBoth   LimitReason = "both"
)

// DailyBudgetSnapshot is the opaque (to the core) output of the daily-budget model. The core
// only ever reads it.
type DailyBudgetSnapshot struct {
	HourlyAllowanceKWh  float64
	DailyRemainingKWh   float64
	Exceeded            bool
	SoftLimitKw         *float64
	SoftLimitSource     SoftLimitSource
	HourControlledKWh   float64
	HourUncontrolledKWh float64
	MinutesRemaining    float64
}

// PlanMeta carries the plan-wide figures of a DevicePlan.
type PlanMeta struct {
	TotalKw                 *float64
	SoftLimitKw             float64
	CapacitySoftLimitKw     float64
	DailySoftLimitKw        *float64
	SoftLimitSource         SoftLimitSource
	HeadroomKw              *float64
	UsedKWh                 float64
	BudgetKWh               float64
	DailyBudgetHourKWh      *float64
	HourlyBudgetExhausted   bool
	ControlledKw            float64
	UncontrolledKw          float64
	MinutesRemaining        float64
	DailyBudgetRemainingKWh *float64
	DailyBudgetExceeded     *bool
	LimitReason             LimitReason
}

// DeviceRow is one device's row in a DevicePlan.
type DeviceRow struct {
	ID              string
	Name            string
	Priority        int
	CurrentState    CurrentState
	CurrentTarget   float64
	PlannedState    PlannedState
	PlannedTarget   float64
	ShedAction      ShedAction
	ShedTemperature float64
	Reason          string
	PowerKw         float64
	ExpectedPowerKw float64
	MeasuredPowerKw float64
	Controllable    bool
	Managed         bool
}

// DevicePlan is the primary output of the plan engine.
type DevicePlan struct {
	Meta    PlanMeta
	Devices []DeviceRow
}

// PelsStatusDevice is one device's entry in the UI-facing status summary.
type PelsStatusDevice struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	PlannedState  PlannedState `json:"plannedState"`
	PlannedTarget float64      `json:"plannedTarget"`
	Reason        string       `json:"reason"`
}

// PelsStatus is the UI summary derived from a DevicePlan, persisted under the
// `pels_status` settings key (spec.md §4.6, §6). It is a read-only projection of the full
// plan - only the fields the UI actually renders survive the trip.
type PelsStatus struct {
	TotalKw         *float64           `json:"totalKw"`
	SoftLimitKw     float64            `json:"softLimitKw"`
	HeadroomKw      *float64           `json:"headroomKw"`
	SoftLimitSource SoftLimitSource    `json:"softLimitSource"`
	LimitReason     LimitReason        `json:"limitReason"`
	SheddingActive  bool               `json:"sheddingActive"`
	InShortfall     bool               `json:"inShortfall"`
	PriceLevel      PriceLevel         `json:"priceLevel"`
	Devices         []PelsStatusDevice `json:"devices"`
	UpdatedAtMs     int64              `json:"updatedAtMs"`
}

// NewPelsStatus projects a DevicePlan (plus the latches/price level the plan itself
// doesn't carry) into its UI-facing summary, rounding headroomKw per property 6 of
// spec.md §8 (persisted headroomKw == round(meta.headroomKw, 0.1)).
func NewPelsStatus(plan DevicePlan, sheddingActive, inShortfall bool, priceLevel PriceLevel, now int64) PelsStatus {
	devices := make([]PelsStatusDevice, 0, len(plan.Devices))
	for _, d := range plan.Devices {
		devices = append(devices, PelsStatusDevice{
			ID:            d.ID,
			Name:          d.Name,
			PlannedState:  d.PlannedState,
			PlannedTarget: d.PlannedTarget,
			Reason:        d.Reason,
		})
	}

	var headroom *float64
	if plan.Meta.HeadroomKw != nil {
		h := roundToStep(*plan.Meta.HeadroomKw, 0.1)
		headroom = &h
	}

	return PelsStatus{
		TotalKw:         plan.Meta.TotalKw,
		SoftLimitKw:     roundToStep(plan.Meta.SoftLimitKw, 0.1),
		HeadroomKw:      headroom,
		SoftLimitSource: plan.Meta.SoftLimitSource,
		LimitReason:     plan.Meta.LimitReason,
		SheddingActive:  sheddingActive,
		InShortfall:     inShortfall,
		PriceLevel:      priceLevel,
		Devices:         devices,
		UpdatedAtMs:     now,
	}
}
