// Package config reads the process's static bootstrap configuration - transport endpoints
// and the control loop period - exactly as the teacher's config package reads its device
// fleet (JSON file, encoding/json.Unmarshal, wrapped errors). Settings the platform mutates
// at runtime (capacity limit, mode, priorities, ...) never live here - they live in the
// Settings Store (spec.md §6).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPHubConfig configures the httphub SDK adapter.
type HTTPHubConfig struct {
	BaseURL  string `json:"baseUrl"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// MQTTConfig configures the mqttdevice SDK adapter. DeviceIDs lists the devices reachable
// directly over MQTT; any device not listed here or in SDKConfig.Modbus falls through to
// the HTTP hub.
type MQTTConfig struct {
	BrokerURL   string   `json:"brokerUrl"`
	ClientID    string   `json:"clientId"`
	TopicPrefix string   `json:"topicPrefix"`
	DeviceIDs   []string `json:"deviceIds"`
}

// ModbusDeviceConfig locates one device's on/off and target-temperature registers on a
// Modbus-TCP slave, mirroring modbusdevice.DeviceRegisters at the JSON boundary.
type ModbusDeviceConfig struct {
	Host            string  `json:"host"`
	SlaveID         byte    `json:"slaveId"`
	OnOffAddr       uint16  `json:"onOffAddr"`
	OnValue         uint16  `json:"onValue"`
	OffValue        uint16  `json:"offValue"`
	TargetAddr      uint16  `json:"targetAddr"`
	TargetScale     float64 `json:"targetScale"`
}

// MainMeterConfig locates the house main meter's power register, read directly (not
// through plan.DeviceWriter - the meter has no on/off or target capability) by
// modbusdevice.MeterReader.
type MainMeterConfig struct {
	Host         string  `json:"host"`
	SlaveID      byte    `json:"slaveId"`
	PowerAddr    uint16  `json:"powerAddr"`
	NumRegisters uint16  `json:"numRegisters"`
	ScaleToKw    float64 `json:"scaleToKw"`
}

// SDKConfig configures the three device-writer transports plus the house main meter. Any
// field may be absent if the installation has no devices/meter of that kind.
type SDKConfig struct {
	HTTPHub   *HTTPHubConfig                `json:"httpHub"`
	MQTT      *MQTTConfig                   `json:"mqtt"`
	Modbus    map[string]ModbusDeviceConfig `json:"modbus"` // keyed by device ID
	MainMeter *MainMeterConfig              `json:"mainMeter"`
}

// Config is the process's static bootstrap configuration.
type Config struct {
	SettingsStorePath string        `json:"settingsStorePath" yaml:"settingsStorePath"`
	Location          string        `json:"location" yaml:"location"` // IANA timezone name, e.g. "Europe/Oslo"
	ControlLoopPeriod time.Duration `json:"controlLoopPeriodSecs" yaml:"-"`
	DryRun            bool          `json:"dryRun" yaml:"dryRun"`
	SDK               SDKConfig     `json:"sdk" yaml:"sdk"`
}

type rawConfig struct {
	SettingsStorePath string    `json:"settingsStorePath" yaml:"settingsStorePath"`
	Location          string    `json:"location" yaml:"location"`
	ControlLoopPeriod int       `json:"controlLoopPeriodSecs" yaml:"controlLoopPeriodSecs"`
	DryRun            bool      `json:"dryRun" yaml:"dryRun"`
	SDK               SDKConfig `json:"sdk" yaml:"sdk"`
}

// Read loads Config from a file at path, as JSON or, for a .yaml/.yml extension, YAML -
// the teacher's config package only ever reads JSON, but the broader corpus
// (brianmickel-battery-backtest) carries gopkg.in/yaml.v3 for the same bootstrap-config role.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var raw rawConfig
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return Config{}, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	} else if err := json.Unmarshal(content, &raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := Config{
		SettingsStorePath: raw.SettingsStorePath,
		Location:          raw.Location,
		ControlLoopPeriod: time.Duration(raw.ControlLoopPeriod) * time.Second,
		DryRun:            raw.DryRun,
		SDK:               raw.SDK,
	}
	if cfg.SettingsStorePath == "" {
		cfg.SettingsStorePath = "./pelscore.db"
	}
	if cfg.Location == "" {
		cfg.Location = "UTC"
	}
	if cfg.ControlLoopPeriod <= 0 {
		cfg.ControlLoopPeriod = 10 * time.Second
	}

	return cfg, nil
}
