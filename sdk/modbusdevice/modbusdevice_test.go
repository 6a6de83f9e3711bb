package modbusdevice

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/bverheul/pelscore/modbusaccess"
)

// fakeClient implements modbus.Client's register write path and holding-register reads
// (used by MeterReader's tests) for assertions, and leaves the rest as harmless no-ops.
type fakeClient struct {
	mu    sync.Mutex
	addr  uint16
	value []byte

	holdingRegisters []byte
	readErr          error
}

func (f *fakeClient) ReadCoils(address, quantity uint16) ([]byte, error)            { return nil, nil }
func (f *fakeClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error)    { return nil, nil }
func (f *fakeClient) WriteSingleCoil(address, value uint16) ([]byte, error)          { return nil, nil }
func (f *fakeClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.holdingRegisters, nil
}
func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error)     { return nil, nil }
func (f *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addr = address
	f.value = append([]byte(nil), value...)
	return nil, nil
}
func (f *fakeClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

func testRegisters() DeviceRegisters {
	return DeviceRegisters{
		Host:    "127.0.0.1:502",
		SlaveID: 1,
		OnOffRegister: modbusaccess.Register{
			StartAddr: 100,
			DataType:  modbusaccess.Uint16Type,
		},
		OnValue:  1,
		OffValue: 0,
		TargetRegister: modbusaccess.Register{
			StartAddr: 200,
			DataType:  modbusaccess.Uint16Type,
		},
		TargetScale: 10, // register holds target temperature * 10
	}
}

func TestSetOnOff_WritesMappedRegister(t *testing.T) {
	w := New(map[string]DeviceRegisters{"device-1": testRegisters()})
	client := &fakeClient{}

	// inject the fake client directly, bypassing the real TCP dial.
	w.mu.Lock()
	w.clients["127.0.0.1:502"] = client
	w.mu.Unlock()

	if err := w.SetOnOff(context.Background(), "device-1", true); err != nil {
		t.Fatalf("SetOnOff() error = %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.addr != 100 {
		t.Errorf("addr = %d, want 100", client.addr)
	}
	if got := binary.BigEndian.Uint16(client.value); got != 1 {
		t.Errorf("value = %d, want 1", got)
	}
}

func TestSetTargetTemperature_ScalesValue(t *testing.T) {
	w := New(map[string]DeviceRegisters{"device-1": testRegisters()})
	client := &fakeClient{}
	w.mu.Lock()
	w.clients["127.0.0.1:502"] = client
	w.mu.Unlock()

	if err := w.SetTargetTemperature(context.Background(), "device-1", 21.0); err != nil {
		t.Fatalf("SetTargetTemperature() error = %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.addr != 200 {
		t.Errorf("addr = %d, want 200", client.addr)
	}
	if got := binary.BigEndian.Uint16(client.value); got != 210 {
		t.Errorf("value = %d, want 210", got)
	}
}

func TestSetOnOff_UnknownDeviceReturnsError(t *testing.T) {
	w := New(map[string]DeviceRegisters{})
	if err := w.SetOnOff(context.Background(), "missing", true); err == nil {
		t.Fatal("expected error for unmapped device, got nil")
	}
}
