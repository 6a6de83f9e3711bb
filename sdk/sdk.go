// Package sdk composes the concrete device-writer transports (httphub, mqttdevice,
// modbusdevice) behind the single plan.DeviceWriter the Plan Executor drives, routing each
// call by device ID. This is the "some concrete transport" SPEC_FULL.md §6.1 calls for
// underneath the platform SDK the spec itself treats as an external collaborator.
package sdk

import (
	"context"
	"fmt"
)

// DeviceWriter matches plan.DeviceWriter; restated here so this package doesn't need to
// import plan just to name the interface its Composite implements.
type DeviceWriter interface {
	SetOnOff(ctx context.Context, deviceID string, on bool) error
	SetTargetTemperature(ctx context.Context, deviceID string, target float64) error
}

// Composite routes each device command to whichever transport owns that device ID, falling
// back to fallback (typically the HTTP hub, which fronts every device it knows about) for
// any device with no explicit route.
type Composite struct {
	routes   map[string]DeviceWriter
	fallback DeviceWriter
}

// NewComposite builds a Composite from a device ID -> transport routing table, used for
// directly-addressable devices (MQTT, Modbus). fallback may be nil.
func NewComposite(routes map[string]DeviceWriter, fallback DeviceWriter) *Composite {
	return &Composite{routes: routes, fallback: fallback}
}

func (c *Composite) transportFor(deviceID string) (DeviceWriter, error) {
	if w, ok := c.routes[deviceID]; ok {
		return w, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("no transport configured for device %q", deviceID)
}

// SetOnOff implements plan.DeviceWriter.
func (c *Composite) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	w, err := c.transportFor(deviceID)
	if err != nil {
		return err
	}
	return w.SetOnOff(ctx, deviceID, on)
}

// SetTargetTemperature implements plan.DeviceWriter.
func (c *Composite) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	w, err := c.transportFor(deviceID)
	if err != nil {
		return err
	}
	return w.SetTargetTemperature(ctx, deviceID, target)
}
