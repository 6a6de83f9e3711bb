package modbusdevice

import (
	"context"
	"fmt"
	"sync"

	"github.com/grid-x/modbus"

	"github.com/bverheul/pelscore/modbusaccess"
)

// MeterConfig locates the house main meter's power register on a Modbus-TCP slave,
// generalised from the single-register-block shape acuvim2.New configures per Acuvim2Meter.
type MeterConfig struct {
	Host    string
	SlaveID byte

	PowerRegister modbusaccess.Register
	NumRegisters  uint16 // word count of the block PowerRegister lives in (2 for FloatType)
	ScaleToKw     float64
}

// MeterReader polls the house main meter's power register, independent of the per-device
// Writer above since the meter has no on/off or target capability to write.
type MeterReader struct {
	mu      sync.Mutex
	cfg     MeterConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewMeterReader creates a MeterReader for cfg. The TCP connection is established lazily on
// first read.
func NewMeterReader(cfg MeterConfig) *MeterReader {
	return &MeterReader{cfg: cfg}
}

// ReadPowerKw polls the meter's configured power register and returns the reading in kW.
func (m *MeterReader) ReadPowerKw(ctx context.Context) (float64, error) {
	client, err := m.clientFor()
	if err != nil {
		return 0, fmt.Errorf("connect to main meter %s: %w", m.cfg.Host, err)
	}

	block := modbusaccess.RegisterBlock{
		Name:         "main_meter_power",
		StartAddr:    m.cfg.PowerRegister.StartAddr,
		NumRegisters: m.cfg.NumRegisters,
		Registers:    map[string]modbusaccess.Register{"power": m.cfg.PowerRegister},
	}

	values, err := modbusaccess.PollBlock(client, nil, block)
	if err != nil {
		m.invalidate()
		return 0, fmt.Errorf("poll main meter: %w", err)
	}

	raw, ok := values["power"]
	if !ok {
		return 0, fmt.Errorf("main meter power register missing from poll result")
	}

	scale := m.cfg.ScaleToKw
	if scale == 0 {
		scale = 1
	}

	switch v := raw.(type) {
	case float64:
		return v * scale, nil
	case uint16:
		return float64(v) * scale, nil
	case int32:
		return float64(v) * scale, nil
	case int16:
		return float64(v) * scale, nil
	default:
		return 0, fmt.Errorf("unexpected main meter power value type %T", raw)
	}
}

func (m *MeterReader) clientFor() (modbus.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return m.client, nil
	}

	handler := modbus.NewTCPClientHandler(m.cfg.Host)
	handler.Timeout = connectTimeout
	handler.SlaveID = m.cfg.SlaveID

	if err := handler.Connect(); err != nil {
		return nil, err
	}

	m.handler = handler
	m.client = modbus.NewClient(handler)
	return m.client, nil
}

func (m *MeterReader) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler != nil {
		m.handler.Close()
	}
	m.handler = nil
	m.client = nil
}
