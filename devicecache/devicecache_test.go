package devicecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bverheul/pelscore/sdk/httphub"
)

type fakeReader struct {
	caps map[string]httphub.DeviceCapabilities
	err  map[string]error
}

func (r *fakeReader) ReadCapabilities(ctx context.Context, deviceID string) (httphub.DeviceCapabilities, error) {
	if err, ok := r.err[deviceID]; ok {
		return httphub.DeviceCapabilities{}, err
	}
	return r.caps[deviceID], nil
}

func onOff(v bool) *bool       { return &v }
func kw(v float64) *float64    { return &v }

func TestRefresh_AppliesCapabilitiesToConfiguredDevice(t *testing.T) {
	reader := &fakeReader{caps: map[string]httphub.DeviceCapabilities{
		"device-1": func() httphub.DeviceCapabilities {
			c := httphub.DeviceCapabilities{ID: "device-1", Name: "Heater", Available: true, Capabilities: []string{"onoff", "measure_power"}}
			c.CapabilitiesObj.Onoff = onOff(true)
			c.CapabilitiesObj.MeasurePower = kw(2.5)
			return c
		}(),
	}}

	cache := New(reader)
	cache.SetConfigs([]Config{{ID: "device-1", Name: "Heater", Controllable: true, Managed: true}})
	cache.Refresh(context.Background())

	snap := cache.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("len(snap) = %d, want 1", len(snap))
	}
	d := snap[0]
	if !d.Available || !d.CurrentOn || d.MeasuredPowerKw != 2.5 || !d.HasOnOff || !d.ReportsPower {
		t.Errorf("device = %+v", d)
	}
}

func TestRefresh_MarksDeviceUnavailableOnReadError(t *testing.T) {
	reader := &fakeReader{err: map[string]error{"device-1": errors.New("unreachable")}}

	cache := New(reader)
	cache.SetConfigs([]Config{{ID: "device-1", Name: "Heater"}})
	cache.Refresh(context.Background())

	snap := cache.Snapshot()
	if len(snap) != 1 || snap[0].Available {
		t.Errorf("snap = %+v, want one unavailable device", snap)
	}
}

func TestReportPowerSample_UnknownDeviceReturnsError(t *testing.T) {
	cache := New(&fakeReader{})
	if err := cache.ReportPowerSample("ghost", 1.0, time.Now()); err == nil {
		t.Fatal("expected error for unknown device, got nil")
	}
}

func TestSetExpectedPowerOverride_StoresOverride(t *testing.T) {
	cache := New(&fakeReader{})
	cache.SetConfigs([]Config{{ID: "device-1"}})

	override := 3.5
	if err := cache.SetExpectedPowerOverride("device-1", &override); err != nil {
		t.Fatalf("SetExpectedPowerOverride() error = %v", err)
	}

	snap := cache.Snapshot()
	if snap[0].ManualOverrideKw == nil || *snap[0].ManualOverrideKw != 3.5 {
		t.Errorf("ManualOverrideKw = %v, want 3.5", snap[0].ManualOverrideKw)
	}
}

func TestSetConfigs_DropsRemovedDevices(t *testing.T) {
	cache := New(&fakeReader{})
	cache.SetConfigs([]Config{{ID: "device-1"}, {ID: "device-2"}})
	cache.SetConfigs([]Config{{ID: "device-1"}})

	if cache.Exists("device-2") {
		t.Error("device-2 should have been dropped")
	}
	if !cache.Exists("device-1") {
		t.Error("device-1 should still exist")
	}
}
