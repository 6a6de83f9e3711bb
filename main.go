package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/bverheul/pelscore/config"
	"github.com/bverheul/pelscore/dailybudget"
	"github.com/bverheul/pelscore/devicecache"
	"github.com/bverheul/pelscore/estimator"
	"github.com/bverheul/pelscore/flow"
	"github.com/bverheul/pelscore/guard"
	"github.com/bverheul/pelscore/modbusaccess"
	"github.com/bverheul/pelscore/plan"
	"github.com/bverheul/pelscore/planservice"
	"github.com/bverheul/pelscore/powertracker"
	"github.com/bverheul/pelscore/pricelevel"
	"github.com/bverheul/pelscore/sdk"
	"github.com/bverheul/pelscore/sdk/httphub"
	"github.com/bverheul/pelscore/sdk/modbusdevice"
	"github.com/bverheul/pelscore/sdk/mqttdevice"
	"github.com/bverheul/pelscore/settingsstore"
	"github.com/bverheul/pelscore/timeutils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Settings-store keys the App Shell itself reads or writes, per spec.md §6.
// DeviceSnapshotKey/StatusKey/EngineStateKey are owned by planservice instead.
const (
	keyCapacityLimitKw        = "capacity_limit_kw"
	keyCapacityMarginKw       = "capacity_margin_kw"
	keyCapacityDryRun         = "capacity_dry_run"
	keyModeDeviceTargets      = "mode_device_targets"
	keyModeAliases            = "mode_aliases"
	keyCapacityPriorities     = "capacity_priorities"
	keyOperatingMode          = "operating_mode"
	keyControllableDevices    = "controllable_devices"
	keyManagedDevices         = "managed_devices"
	keyOvershootBehaviors     = "overshoot_behaviors"
	keyPriceOptimizationOn    = "price_optimization_enabled"
	keyPriceOptimizationSet   = "price_optimization_settings"
	keyCombinedPrices         = "combined_prices"
	keyDailyBudgetEnabled     = "daily_budget_enabled"
	keyDailyBudgetKWh         = "daily_budget_kwh"
	keyCapacityInShortfall    = "capacity_in_shortfall"
)

// mainMeterPollPeriod bounds how often the house main meter (when configured over Modbus)
// is polled for a fresh power reading, independent of the control loop period.
const mainMeterPollPeriod = 5 * time.Second

// deviceCapabilityRefreshPeriod bounds how often the device cache re-polls each configured
// device's capabilities over the HTTP hub.
const deviceCapabilityRefreshPeriod = 30 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	var configFilePath string
	flag.StringVar(&configFilePath, "f", "./config.json", "Specify config file path")
	flag.Parse()

	slog.Info("Starting", "config_file", configFilePath)

	cfg, err := config.Read(configFilePath)
	if err != nil {
		slog.Error("Failed to read config", "error", err)
		return
	}

	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		slog.Error("Failed to load configured location, falling back to UTC", "location", cfg.Location, "error", err)
		loc = time.UTC
	}

	store, err := settingsstore.New(cfg.SettingsStorePath)
	if err != nil {
		slog.Error("Failed to open settings store", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	capacityGuard := guard.New(guard.Config{
		LimitKw:         plan.DefaultLimitKw,
		SoftMarginKw:    plan.DefaultMarginKw,
		RestoreMarginKw: plan.RestoreMarginKw,
		Callbacks: guard.Callbacks{
			OnSheddingStart: func() { slog.Info("Shedding started") },
			OnSheddingEnd:   func() { slog.Info("Shedding ended") },
			OnShortfall: func(deficitKw float64) {
				slog.Warn("Capacity shortfall", "deficit_kw", deficitKw)
				if err := store.Set(keyCapacityInShortfall, true, time.Now().UnixMilli()); err != nil {
					slog.Error("Failed to persist capacity_in_shortfall", "error", err)
				}
			},
			OnShortfallCleared: func() {
				slog.Info("Capacity shortfall cleared")
				if err := store.Set(keyCapacityInShortfall, false, time.Now().UnixMilli()); err != nil {
					slog.Error("Failed to persist capacity_in_shortfall", "error", err)
				}
			},
		},
	})

	tracker := powertracker.New(loc, store)
	if err := tracker.LoadFromStore(); err != nil {
		slog.Error("Failed to load power tracker state, starting fresh", "error", err)
	}

	est := estimator.New()
	budget := dailybudget.New(loc)
	prices := pricelevel.New(loc)

	httpHubClient := buildHTTPHubClient(cfg)
	var capReader devicecache.CapabilityReader
	if httpHubClient != nil {
		capReader = httpHubClient
	}
	devices := devicecache.New(capReader)

	app := NewApp(devices, capacityGuard, tracker, est, budget, prices)

	writer := buildDeviceWriter(ctx, cfg, httpHubClient)
	executor := plan.NewExecutor(writer, cfg.DryRun)

	registry := newInertFlowRegistry()
	flow.RegisterActions(registry, app)
	flow.RegisterConditions(registry, app)
	triggers := flow.RegisterTriggers(registry)
	adapter := flow.NewAdapter(triggers)

	svc := planservice.New(planservice.Config{
		Store:        store,
		Input:        app,
		Executor:     executor,
		Guard:        capacityGuard,
		Events:       adapter,
		Availability: devices,
	})
	app.onRebuild = svc.RebuildFromCache

	loadInitialSettings(store, app, executor, loc)
	subscribeSettings(store, app, executor, loc)

	go svc.Run(ctx)

	var meterReader *modbusdevice.MeterReader
	if cfg.SDK.MainMeter != nil {
		meterReader = modbusdevice.NewMeterReader(modbusdevice.MeterConfig{
			Host:    cfg.SDK.MainMeter.Host,
			SlaveID: cfg.SDK.MainMeter.SlaveID,
			PowerRegister: modbusaccess.Register{
				StartAddr: cfg.SDK.MainMeter.PowerAddr,
				DataType:  modbusaccess.FloatType,
			},
			NumRegisters: cfg.SDK.MainMeter.NumRegisters,
			ScaleToKw:    cfg.SDK.MainMeter.ScaleToKw,
		})
	}

	go runControlLoop(ctx, cfg.ControlLoopPeriod, svc, capacityGuard, meterReader)
	go runDeviceCacheRefresh(ctx, devices)
	go runHourlyFlush(ctx, tracker)

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	time.Sleep(time.Millisecond * 100)

	slog.Info("Exiting")
	os.Exit(0)
}

// buildHTTPHubClient constructs the HTTP hub client, used both as the device-capability
// reader and as the Composite's catch-all write-path fallback. cfg.SDK.HTTPHub may be nil
// (no hub configured), in which case devices are written only through MQTT/Modbus and no
// device capabilities are read.
func buildHTTPHubClient(cfg config.Config) *httphub.Client {
	if cfg.SDK.HTTPHub == nil {
		return nil
	}
	return httphub.New(http.Client{Timeout: 10 * time.Second}, cfg.SDK.HTTPHub.BaseURL, cfg.SDK.HTTPHub.Username, cfg.SDK.HTTPHub.Password)
}

// buildDeviceWriter assembles the routed Composite writer from whichever transports are
// configured: MQTT and Modbus devices route directly, everything else falls through to the
// HTTP hub.
func buildDeviceWriter(ctx context.Context, cfg config.Config, fallback *httphub.Client) sdk.DeviceWriter {
	routes := make(map[string]sdk.DeviceWriter)

	if cfg.SDK.MQTT != nil && len(cfg.SDK.MQTT.DeviceIDs) > 0 {
		opts := mqtt.NewClientOptions().AddBroker(cfg.SDK.MQTT.BrokerURL).SetClientID(cfg.SDK.MQTT.ClientID)
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			slog.Error("Failed to connect MQTT client", "error", token.Error())
		}
		mqttWriter := mqttdevice.New(ctx, client, cfg.SDK.MQTT.TopicPrefix)
		for _, id := range cfg.SDK.MQTT.DeviceIDs {
			routes[id] = mqttWriter
		}
	}

	if len(cfg.SDK.Modbus) > 0 {
		registers := make(map[string]modbusdevice.DeviceRegisters, len(cfg.SDK.Modbus))
		for id, d := range cfg.SDK.Modbus {
			registers[id] = modbusdevice.DeviceRegisters{
				Host:           d.Host,
				SlaveID:        d.SlaveID,
				OnOffRegister:  modbusaccess.Register{StartAddr: d.OnOffAddr, DataType: modbusaccess.Uint16Type},
				OnValue:        d.OnValue,
				OffValue:       d.OffValue,
				TargetRegister: modbusaccess.Register{StartAddr: d.TargetAddr, DataType: modbusaccess.Uint16Type},
				TargetScale:    d.TargetScale,
			}
		}
		modbusWriter := modbusdevice.New(registers)
		for id := range registers {
			routes[id] = modbusWriter
		}
	}

	var fallbackWriter sdk.DeviceWriter
	if fallback != nil {
		fallbackWriter = fallback
	}

	return sdk.NewComposite(routes, fallbackWriter)
}

// runControlLoop drives the 10s (default, per cfg.ControlLoopPeriod) control tick named in
// SPEC_FULL.md §6.3, plus - when a house main meter is configured - a separate, shorter
// meter-poll tick that feeds the Guard directly. A failed meter read is logged and skipped;
// the Guard keeps its last sample, and its staleness check (IsStale) is not consulted here.
func runControlLoop(ctx context.Context, period time.Duration, svc *planservice.Service, g *guard.Guard, meter *modbusdevice.MeterReader) {
	controlTicker := time.NewTicker(period)
	defer controlTicker.Stop()

	var meterTicker *time.Ticker
	var meterTick <-chan time.Time
	if meter != nil {
		meterTicker = time.NewTicker(mainMeterPollPeriod)
		defer meterTicker.Stop()
		meterTick = meterTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-controlTicker.C:
			svc.RebuildFromCache("tick", now)
		case now := <-meterTick:
			kw, err := meter.ReadPowerKw(ctx)
			if err != nil {
				slog.Error("Failed to read main meter power", "error", err)
				continue
			}
			g.ReportTotalPower(kw, now)
		}
	}
}

// runDeviceCacheRefresh periodically re-polls every configured device's capabilities over
// the HTTP hub, independent of the control loop tick.
func runDeviceCacheRefresh(ctx context.Context, devices *devicecache.Cache) {
	ticker := time.NewTicker(deviceCapabilityRefreshPeriod)
	defer ticker.Stop()
	devices.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices.Refresh(ctx)
		}
	}
}

// runHourlyFlush flushes the Power Tracker's completed hourly bucket to the settings store
// on each wall-clock hour boundary, re-arming the timer fresh each time
// (timeutils.MsUntilNextHour is explicitly DST-safe only when never accumulated).
func runHourlyFlush(ctx context.Context, tracker *powertracker.Tracker) {
	for {
		now := time.Now()
		timer := time.NewTimer(timeutils.MsUntilNextHour(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fireTime := <-timer.C:
			tracker.Flush(fireTime)
		}
	}
}
