package sdk

import (
	"context"
	"testing"
)

type recordingWriter struct {
	onOffCalls []string
}

func (w *recordingWriter) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	w.onOffCalls = append(w.onOffCalls, deviceID)
	return nil
}
func (w *recordingWriter) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	return nil
}

func TestComposite_RoutesByDeviceID(t *testing.T) {
	a, b := &recordingWriter{}, &recordingWriter{}
	c := NewComposite(map[string]DeviceWriter{"device-a": a, "device-b": b}, nil)

	if err := c.SetOnOff(context.Background(), "device-a", true); err != nil {
		t.Fatalf("SetOnOff() error = %v", err)
	}
	if len(a.onOffCalls) != 1 || len(b.onOffCalls) != 0 {
		t.Errorf("a.onOffCalls=%v b.onOffCalls=%v, want call routed only to a", a.onOffCalls, b.onOffCalls)
	}
}

func TestComposite_UnknownDeviceReturnsError(t *testing.T) {
	c := NewComposite(map[string]DeviceWriter{}, nil)
	if err := c.SetOnOff(context.Background(), "missing", true); err == nil {
		t.Fatal("expected error for unrouted device, got nil")
	}
}

func TestComposite_FallsBackWhenNoExplicitRoute(t *testing.T) {
	fallback := &recordingWriter{}
	c := NewComposite(map[string]DeviceWriter{}, fallback)
	if err := c.SetOnOff(context.Background(), "device-x", true); err != nil {
		t.Fatalf("SetOnOff() error = %v", err)
	}
	if len(fallback.onOffCalls) != 1 {
		t.Errorf("fallback.onOffCalls = %v, want 1 call", fallback.onOffCalls)
	}
}
