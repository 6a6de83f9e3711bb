package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRead_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"location":"Europe/Oslo","controlLoopPeriodSecs":15,"sdk":{"mqtt":{"brokerUrl":"tcp://broker:1883","deviceIds":["device-1"]}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Location != "Europe/Oslo" || cfg.ControlLoopPeriod != 15*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SDK.MQTT == nil || len(cfg.SDK.MQTT.DeviceIDs) != 1 {
		t.Errorf("cfg.SDK.MQTT = %+v", cfg.SDK.MQTT)
	}
}

func TestRead_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "location: Europe/Oslo\ncontrolLoopPeriodSecs: 20\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Location != "Europe/Oslo" || cfg.ControlLoopPeriod != 20*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestRead_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.SettingsStorePath == "" || cfg.Location != "UTC" || cfg.ControlLoopPeriod != 10*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
}
