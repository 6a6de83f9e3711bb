package planservice

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bverheul/pelscore/plan"
	"github.com/bverheul/pelscore/settingsstore"
	"github.com/bverheul/pelscore/telemetry"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *settingsstore.Store {
	t.Helper()
	store, err := settingsstore.New(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("settingsstore.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// stubInput returns a fixed BuilderInput, overridable per-call via a func field so tests
// can vary the snapshot between rebuilds.
type stubInput struct {
	mu  sync.Mutex
	fn  func(now time.Time) plan.BuilderInput
}

func (s *stubInput) Snapshot(now time.Time) plan.BuilderInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn(now)
}

func oneDeviceInput(totalKw float64) plan.BuilderInput {
	total := totalKw
	return plan.BuilderInput{
		Now:                 epoch,
		Devices:             []telemetry.DeviceSnapshot{{ID: "a", Name: "A", Controllable: true, Managed: true, HasOnOff: true, Available: true, CurrentOn: true, ExpectedPowerKw: 2.0}},
		Mode:                plan.DefaultMode,
		CapacityPriorities:  map[string]map[string]int{plan.DefaultMode: {"a": 1}},
		CapacitySoftLimitKw: 9.8,
		TotalKw:             &total,
	}
}

type fakeWriter struct{}

func (fakeWriter) SetOnOff(ctx context.Context, id string, on bool) error                { return nil }
func (fakeWriter) SetTargetTemperature(ctx context.Context, id string, target float64) error { return nil }

type fakeGuard struct {
	sheddingActive bool
	inShortfall    bool
}

func (g *fakeGuard) SetSheddingActive(active bool) { g.sheddingActive = active }
func (g *fakeGuard) CheckShortfall(hasCandidates bool, deficitKw float64, now time.Time) {}
func (g *fakeGuard) SheddingActive() bool { return g.sheddingActive }
func (g *fakeGuard) InShortfall() bool    { return g.inShortfall }

type fakeEvents struct {
	mu                 sync.Mutex
	planUpdated        int
	priceLevelChanged  []telemetry.PriceLevel
	planUpdatedCh      chan struct{}
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{planUpdatedCh: make(chan struct{}, 16)}
}

func (e *fakeEvents) EmitPlanUpdated(p telemetry.DevicePlan) {
	e.mu.Lock()
	e.planUpdated++
	e.mu.Unlock()
	e.planUpdatedCh <- struct{}{}
}

func (e *fakeEvents) EmitPriceLevelChanged(level telemetry.PriceLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priceLevelChanged = append(e.priceLevelChanged, level)
}

func (e *fakeEvents) waitForPlanUpdate(t *testing.T) {
	t.Helper()
	select {
	case <-e.planUpdatedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for plan_updated event")
	}
}

func newTestService(t *testing.T, input *stubInput, events *fakeEvents, guard plan.GuardPort) *Service {
	t.Helper()
	store := newTestStore(t)
	exec := plan.NewExecutor(fakeWriter{}, false)
	return New(Config{Store: store, Input: input, Executor: exec, Guard: guard, Events: events})
}

func TestRebuildFromCache_FirstRebuildWritesSnapshotAndEmits(t *testing.T) {
	input := &stubInput{fn: func(now time.Time) plan.BuilderInput { return oneDeviceInput(5.0) }}
	events := newFakeEvents()
	svc := newTestService(t, input, events, &fakeGuard{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.RebuildFromCache("test", epoch)
	events.waitForPlanUpdate(t)

	var snapshot telemetry.DevicePlan
	found, err := svc.store.Get(DeviceSnapshotKey, &snapshot)
	if err != nil || !found {
		t.Fatalf("device_plan_snapshot not found: found=%v err=%v", found, err)
	}
}

func TestRebuildFromCache_UnchangedPlanDoesNotReEmit(t *testing.T) {
	input := &stubInput{fn: func(now time.Time) plan.BuilderInput { return oneDeviceInput(5.0) }}
	events := newFakeEvents()
	svc := newTestService(t, input, events, &fakeGuard{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.RebuildFromCache("first", epoch)
	events.waitForPlanUpdate(t)

	svc.RebuildFromCache("second", epoch.Add(time.Second))
	// give the worker a moment to process; since nothing changed, no second event should arrive.
	select {
	case <-events.planUpdatedCh:
		t.Fatal("unexpected second plan_updated event for an unchanged plan")
	case <-time.After(200 * time.Millisecond):
	}

	events.mu.Lock()
	count := events.planUpdated
	events.mu.Unlock()
	if count != 1 {
		t.Errorf("planUpdated = %d, want 1", count)
	}
}

func TestRebuildFromCache_ActionChangeReEmits(t *testing.T) {
	totalKw := 5.0
	var mu sync.Mutex
	input := &stubInput{fn: func(now time.Time) plan.BuilderInput {
		mu.Lock()
		defer mu.Unlock()
		return oneDeviceInput(totalKw)
	}}
	events := newFakeEvents()
	svc := newTestService(t, input, events, &fakeGuard{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.RebuildFromCache("first", epoch)
	events.waitForPlanUpdate(t)

	mu.Lock()
	totalKw = 12.0 // now over the soft limit, device a must be shed
	mu.Unlock()
	svc.RebuildFromCache("second", epoch.Add(time.Second))
	events.waitForPlanUpdate(t)

	events.mu.Lock()
	count := events.planUpdated
	events.mu.Unlock()
	if count != 2 {
		t.Errorf("planUpdated = %d, want 2", count)
	}
}

func TestNew_LoadsPersistedState(t *testing.T) {
	store := newTestStore(t)
	seed := plan.NewState()
	seed.LastSheddingMs = 12345
	if err := store.Set(EngineStateKey, seed, epoch.UnixMilli()); err != nil {
		t.Fatalf("seed state write error = %v", err)
	}

	input := &stubInput{fn: func(now time.Time) plan.BuilderInput { return oneDeviceInput(5.0) }}
	svc := New(Config{Store: store, Input: input, Executor: plan.NewExecutor(fakeWriter{}, false), Guard: &fakeGuard{}})

	if svc.state.LastSheddingMs != 12345 {
		t.Errorf("LastSheddingMs = %d, want 12345 (loaded from store)", svc.state.LastSheddingMs)
	}
}

func TestCounters_TracksEnqueueReason(t *testing.T) {
	input := &stubInput{fn: func(now time.Time) plan.BuilderInput { return oneDeviceInput(5.0) }}
	events := newFakeEvents()
	svc := newTestService(t, input, events, &fakeGuard{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.RebuildFromCache("power_sample", epoch)
	events.waitForPlanUpdate(t)

	enqueued, _, _ := svc.Counters().Snapshot()
	if enqueued["power_sample"] != 1 {
		t.Errorf("Enqueued[power_sample] = %d, want 1", enqueued["power_sample"])
	}
}
