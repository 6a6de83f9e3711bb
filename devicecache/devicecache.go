// Package devicecache maintains the "inbound SDK" half of spec.md §6: the current,
// read-only-per-cycle telemetry view of every target device (telemetry.DeviceSnapshot) that
// the home-automation platform hands the Plan Builder. It refreshes that view from the HTTP
// hub adapter and folds in the settings store's device classification
// (controllable_devices, managed_devices) plus the Flow actions that mutate a device's
// estimator inputs directly.
//
// The mutex-guarded map refreshed off a periodic sweep, read without blocking the control
// loop, is grounded on the teacher's modo.Client (cached last-good reading behind a
// sync.RWMutex, refreshed out of band).
package devicecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bverheul/pelscore/sdk/httphub"
	"github.com/bverheul/pelscore/telemetry"
)

// CapabilityReader is the inbound telemetry read. Only the HTTP hub implements it: MQTT and
// Modbus devices are write-only transports in this module (see DESIGN.md), so every
// configured device is expected to also be reachable through the hub for reads.
type CapabilityReader interface {
	ReadCapabilities(ctx context.Context, deviceID string) (httphub.DeviceCapabilities, error)
}

// Config is one device's static identity and classification, sourced from the settings
// store's controllable_devices/managed_devices keys.
type Config struct {
	ID           string
	Name         string
	Zone         string
	Controllable bool
	Managed      bool
}

// Cache holds the latest known snapshot of every configured target device.
type Cache struct {
	mu      sync.RWMutex
	configs map[string]Config
	devices map[string]telemetry.DeviceSnapshot

	reader CapabilityReader
	logger *slog.Logger
}

// New creates a Cache with no devices configured yet; call SetConfigs once the settings
// store has loaded controllable_devices/managed_devices.
func New(reader CapabilityReader) *Cache {
	return &Cache{
		configs: make(map[string]Config),
		devices: make(map[string]telemetry.DeviceSnapshot),
		reader:  reader,
		logger:  slog.Default().With("component", "devicecache"),
	}
}

// SetConfigs replaces the known device set. Devices no longer present are dropped; newly
// added ones start unavailable until the next Refresh.
func (c *Cache) SetConfigs(configs []Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
		if _, ok := c.devices[cfg.ID]; !ok {
			c.devices[cfg.ID] = telemetry.DeviceSnapshot{ID: cfg.ID, Name: cfg.Name, Zone: cfg.Zone}
		}
	}
	for id := range c.devices {
		if _, ok := next[id]; !ok {
			delete(c.devices, id)
		}
	}
	c.configs = next
}

// Refresh reads current telemetry for every configured device and folds it into the cache.
// A failure on one device marks it unavailable and logs a warning, without aborting the
// rest of the sweep. With no reader (no HTTP hub configured) it reads nothing.
func (c *Cache) Refresh(ctx context.Context) {
	if c.reader == nil {
		return
	}
	c.mu.RLock()
	ids := make([]string, 0, len(c.configs))
	for id := range c.configs {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	started := time.Now()
	for _, id := range ids {
		caps, err := c.reader.ReadCapabilities(ctx, id)
		if err != nil {
			c.logger.Warn("Failed to read device capabilities, marking unavailable", "device_id", id, "error", err)
			c.MarkUnavailable(id)
			continue
		}
		c.apply(id, caps)
	}
	c.logger.Debug("Refreshed device cache", "devices", len(ids), "elapsed", humanize.RelTime(started, time.Now(), "", "ago"))
}

func (c *Cache) apply(id string, caps httphub.DeviceCapabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id]
	if !ok {
		d = telemetry.DeviceSnapshot{ID: id}
	}
	cfg := c.configs[id]

	d.Name = caps.Name
	if d.Name == "" {
		d.Name = cfg.Name
	}
	if caps.Zone != "" {
		d.Zone = caps.Zone
	}
	d.Controllable = cfg.Controllable
	d.Managed = cfg.Managed
	d.Available = caps.Available
	d.LastUpdated = time.Now()

	for _, capName := range caps.Capabilities {
		switch capName {
		case "onoff":
			d.HasOnOff = true
		case "target_temperature":
			d.HasTarget = true
		case "measure_power":
			d.ReportsPower = true
		}
	}

	if caps.CapabilitiesObj.Onoff != nil {
		d.CurrentOn = *caps.CapabilitiesObj.Onoff
	}
	if caps.CapabilitiesObj.MeasureTemperature != nil {
		d.CurrentTemperature = *caps.CapabilitiesObj.MeasureTemperature
	}
	if caps.CapabilitiesObj.TargetTemperature != nil {
		d.CurrentTarget = *caps.CapabilitiesObj.TargetTemperature
	}
	if caps.CapabilitiesObj.MeasurePower != nil {
		d.MeasuredPowerKw = *caps.CapabilitiesObj.MeasurePower
	}
	if caps.Settings.LoadKw != nil {
		d.ConfiguredLoadKw = *caps.Settings.LoadKw
	}

	c.devices[id] = d
}

// MarkUnavailable marks a device unavailable in the local snapshot - called both by
// Refresh's own capability-poll failures and by the Plan Executor (via planservice) when
// an SDK write fails, per spec.md §4.5/§7 ("mark device stale; continue").
func (c *Cache) MarkUnavailable(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	if !ok {
		return
	}
	d.Available = false
	c.devices[id] = d
}

// Snapshot returns an immutable copy of every known device, the input the Plan Builder
// consumes each cycle (spec.md §5: "the plan engine consumes an immutable copy per cycle").
func (c *Cache) Snapshot() []telemetry.DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]telemetry.DeviceSnapshot, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// KnownDeviceIDs returns every configured device ID, backing flow.App.KnownDeviceIDs.
func (c *Cache) KnownDeviceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return ids
}

// ReportPowerSample folds a manually-reported power reading into a device's snapshot.
func (c *Cache) ReportPowerSample(deviceID string, kw float64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	d.MeasuredPowerKw = kw
	d.ReportsPower = true
	d.LastUpdated = at
	c.devices[deviceID] = d
	return nil
}

// SetExpectedPowerOverride sets (kw non-nil) or clears (kw nil) a device's manual
// expected-power override, the Power Estimator's rule 1 (spec.md §4.3).
func (c *Cache) SetExpectedPowerOverride(deviceID string, kw *float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	d.ManualOverrideKw = kw
	c.devices[deviceID] = d
	return nil
}

// SetControlEnabled toggles a device's controllable flag, the set_device_control_enabled
// Flow action (spec.md §6).
func (c *Cache) SetControlEnabled(deviceID string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %q", deviceID)
	}
	d.Controllable = enabled
	c.devices[deviceID] = d
	return nil
}

// Exists reports whether deviceID is a known device, used to validate Flow action/condition
// arguments per spec.md §7.
func (c *Cache) Exists(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.devices[deviceID]
	return ok
}
