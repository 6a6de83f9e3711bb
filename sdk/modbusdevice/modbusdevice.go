// Package modbusdevice implements plan.DeviceWriter for devices reachable over Modbus TCP,
// grounded on modbusaccess's Type/Register/WriteRegister wrappers around grid-x/modbus
// rather than the top-level modbus package (that package's Metric/MetricBlock types are
// undefined in this codebase; see DESIGN.md).
package modbusdevice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/modbus"

	"github.com/bverheul/pelscore/modbusaccess"
)

// connectTimeout bounds how long a TCP handshake to a slave is given before it is
// considered failed, matching acuvim2's connection handling.
const connectTimeout = 10 * time.Second

// DeviceRegisters locates the on/off coil and target-temperature register for one device on
// one Modbus slave.
type DeviceRegisters struct {
	Host    string
	SlaveID byte

	OnOffRegister modbusaccess.Register
	OnValue       uint16
	OffValue      uint16

	TargetRegister  modbusaccess.Register
	TargetScale     float64 // register value = target * TargetScale
}

// Writer implements plan.DeviceWriter for a fleet of Modbus devices, keeping one TCP
// connection per distinct host and reconnecting lazily on first use or after a failure.
type Writer struct {
	mu        sync.Mutex
	registers map[string]DeviceRegisters
	handlers  map[string]*modbus.TCPClientHandler
	clients   map[string]modbus.Client
	logger    *slog.Logger
}

// New creates a Writer for the given device ID -> register mapping.
func New(registers map[string]DeviceRegisters) *Writer {
	return &Writer{
		registers: registers,
		handlers:  make(map[string]*modbus.TCPClientHandler),
		clients:   make(map[string]modbus.Client),
		logger:    slog.Default().With("component", "modbusdevice"),
	}
}

// SetOnOff implements plan.DeviceWriter.
func (w *Writer) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	regs, err := w.lookup(deviceID)
	if err != nil {
		return err
	}

	client, err := w.clientFor(regs)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", regs.Host, err)
	}

	value := regs.OffValue
	if on {
		value = regs.OnValue
	}

	if err := modbusaccess.WriteRegister(client, regs.OnOffRegister, value); err != nil {
		w.invalidate(regs.Host)
		return fmt.Errorf("write on/off register for %s: %w", deviceID, err)
	}
	return nil
}

// SetTargetTemperature implements plan.DeviceWriter.
func (w *Writer) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	regs, err := w.lookup(deviceID)
	if err != nil {
		return err
	}

	client, err := w.clientFor(regs)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", regs.Host, err)
	}

	scale := regs.TargetScale
	if scale == 0 {
		scale = 1
	}
	value := uint16(target * scale)

	if err := modbusaccess.WriteRegister(client, regs.TargetRegister, value); err != nil {
		w.invalidate(regs.Host)
		return fmt.Errorf("write target register for %s: %w", deviceID, err)
	}
	return nil
}

func (w *Writer) lookup(deviceID string) (DeviceRegisters, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	regs, ok := w.registers[deviceID]
	if !ok {
		return DeviceRegisters{}, fmt.Errorf("no modbus register mapping for device %q", deviceID)
	}
	return regs, nil
}

// clientFor returns the live client for regs.Host, connecting it if this is the first use or
// the previous connection was invalidated after a write failure.
func (w *Writer) clientFor(regs DeviceRegisters) (modbus.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if client, ok := w.clients[regs.Host]; ok {
		return client, nil
	}

	handler := modbus.NewTCPClientHandler(regs.Host)
	handler.Timeout = connectTimeout
	handler.SlaveID = regs.SlaveID

	w.logger.Info("Connecting to Modbus device", "host", regs.Host)
	if err := handler.Connect(); err != nil {
		return nil, err
	}

	client := modbus.NewClient(handler)
	w.handlers[regs.Host] = handler
	w.clients[regs.Host] = client
	return client, nil
}

// invalidate drops a cached connection after a write error, so the next command reconnects
// rather than retrying a possibly-dead handler.
func (w *Writer) invalidate(host string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if handler, ok := w.handlers[host]; ok {
		handler.Close()
	}
	delete(w.handlers, host)
	delete(w.clients, host)
}
