// Package planservice implements the Plan Service (spec.md §4.6): the serial rebuild
// queue, the action/detail/meta diffing that decides what actually gets persisted, and the
// throttled writes to the settings store. It owns the Plan Engine's persisted state and
// wraps the pure plan.Build/plan.Executor.Apply calls with the scheduling, diffing and
// persistence machinery spec.md keeps out of the builder itself.
//
// The single-worker, strictly-FIFO scheduling loop is grounded on the teacher's
// Controller.Run (cepro-simt-flux/controller/controller.go): one goroutine, one select
// loop, ticks and requests serialised through channels rather than a pool of workers.
package planservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bverheul/pelscore/plan"
	"github.com/bverheul/pelscore/settingsstore"
	"github.com/bverheul/pelscore/telemetry"
)

const (
	// DeviceSnapshotKey, StatusKey, EngineStateKey are the settings-store keys the service
	// reads/writes, per spec.md §6.
	DeviceSnapshotKey = "device_plan_snapshot"
	StatusKey         = "pels_status"
	EngineStateKey    = "plan_engine_state"

	// DetailSnapshotThrottle bounds how often a meta-only change is persisted to
	// device_plan_snapshot (spec.md §4.6's DETAIL_SNAPSHOT_THROTTLE_MS). Left to the
	// implementer; picked to keep settings-store writes well under one per control tick
	// (the 10s sampling period) without materially delaying UI freshness.
	DetailSnapshotThrottle = 5 * time.Second

	// VolatileWriteThrottle bounds how often pels_status is rewritten when only volatile
	// (meta) figures changed (spec.md §4.6's VOLATILE_WRITE_THROTTLE_MS).
	VolatileWriteThrottle = 10 * time.Second

	// rebuildQueueDepth bounds the pending-reason backlog; the rebuild loop is fast enough
	// (pure computation plus a handful of SDK calls) that this should never fill under
	// normal operation, but a bounded channel keeps a wedged SDK call from growing memory
	// without limit.
	rebuildQueueDepth = 64
)

// InputProvider assembles a fresh BuilderInput snapshot for "now" from the rest of the
// system (guard, power tracker, estimator, settings caches). It is the single concrete
// implementation spec.md §9's PlanBuilderContext design note calls for; the Service itself
// only consumes it.
type InputProvider interface {
	Snapshot(now time.Time) plan.BuilderInput
}

// EventSink is where the service fires the two realtime signals spec.md §4.6 names. A
// concrete implementation lives in the flow package (Flow cards); tests supply a fake.
type EventSink interface {
	EmitPlanUpdated(p telemetry.DevicePlan)
	EmitPriceLevelChanged(level telemetry.PriceLevel)
}

// latchReader is the subset of the guard the service reads back for pels_status; kept as
// a narrow local interface rather than widening plan.GuardPort, which the executor also
// depends on and which has no need of these reads.
type latchReader interface {
	SheddingActive() bool
	InShortfall() bool
}

// DeviceAvailability is the narrow slice of devicecache.Cache the service needs to mark a
// device stale after an executor-observed apply failure (spec.md §4.5, §7's SDK-transient
// handling: "mark device stale; continue"). Kept local rather than importing devicecache
// directly, matching latchReader's pattern.
type DeviceAvailability interface {
	MarkUnavailable(deviceID string)
}

// Counters are the rebuild-queue performance counters spec.md §4.6 asks for (queue depth,
// enqueue reason, wait time).
type Counters struct {
	mu           sync.Mutex
	Enqueued     map[string]int64
	LastWaitMs   int64
	MaxDepthSeen int
}

func newCounters() *Counters {
	return &Counters{Enqueued: make(map[string]int64)}
}

func (c *Counters) recordEnqueue(reason string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Enqueued[reason]++
	if depth > c.MaxDepthSeen {
		c.MaxDepthSeen = depth
	}
}

func (c *Counters) recordWait(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastWaitMs = d.Milliseconds()
}

// Snapshot returns a point-in-time copy of the counters for logging/diagnostics.
func (c *Counters) Snapshot() (enqueued map[string]int64, lastWaitMs int64, maxDepthSeen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.Enqueued))
	for k, v := range c.Enqueued {
		out[k] = v
	}
	return out, c.LastWaitMs, c.MaxDepthSeen
}

type rebuildRequest struct {
	reason   string
	enqueued time.Time
	now      time.Time
}

// Config is the fixed configuration a Service is built with.
type Config struct {
	Store        *settingsstore.Store
	Input        InputProvider
	Executor     *plan.Executor
	Guard        plan.GuardPort
	Events       EventSink
	Availability DeviceAvailability
}

// Service is the Plan Service.
type Service struct {
	store        *settingsstore.Store
	input        InputProvider
	executor     *plan.Executor
	guard        plan.GuardPort
	events       EventSink
	availability DeviceAvailability
	logger       *slog.Logger

	state *plan.State

	queue    chan rebuildRequest
	counters *Counters

	mu              sync.Mutex // guards everything below
	lastSignatures  *signatures
	lastPriceLevel  telemetry.PriceLevel
	havePriceLevel  bool
	lastStatusWrite time.Time
	firstStatusDone bool

	metaMu       sync.Mutex
	lastMetaWrite time.Time
	pendingPlan  *telemetry.DevicePlan // latest plan awaiting a throttled write, nil if none armed
	metaTimer    *time.Timer
}

// New creates a Service and loads any previously persisted engine state from cfg.Store.
func New(cfg Config) *Service {
	s := &Service{
		store:        cfg.Store,
		input:        cfg.Input,
		executor:     cfg.Executor,
		guard:        cfg.Guard,
		events:       cfg.Events,
		availability: cfg.Availability,
		logger:       slog.Default().With("component", "plan_service"),
		state:        plan.NewState(),
		queue:        make(chan rebuildRequest, rebuildQueueDepth),
		counters:     newCounters(),
	}

	if cfg.Store != nil {
		var persisted plan.State
		found, err := cfg.Store.Get(EngineStateKey, &persisted)
		if err != nil {
			s.logger.Error("Failed to load plan engine state, starting fresh", "error", err)
		} else if found {
			persisted.EnsureMaps()
			s.state = &persisted
		}
	}

	return s
}

// Run starts the serial rebuild worker; it returns when ctx is cancelled, after draining
// any requests already enqueued (spec.md §5: "on app shutdown, the rebuild queue is
// drained").
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("Plan service running")
	for {
		select {
		case <-ctx.Done():
			s.drain()
			if s.metaTimer != nil {
				s.metaTimer.Stop()
			}
			s.logger.Info("Plan service stopped")
			return
		case req := <-s.queue:
			s.process(req)
		}
	}
}

// drain processes any requests left in the queue without blocking for more, used on
// shutdown so the last enqueued rebuild's side effects are not lost.
func (s *Service) drain() {
	for {
		select {
		case req := <-s.queue:
			s.process(req)
		default:
			return
		}
	}
}

// RebuildFromCache enqueues a rebuild for reason, implementing spec.md §4.6's
// rebuildPlanFromCache. It never blocks the caller (non-blocking send onto a bounded
// channel); if the queue is full the request is dropped and logged, since a rebuild
// already in flight (or queued) will observe the same underlying cache regardless.
func (s *Service) RebuildFromCache(reason string, now time.Time) {
	req := rebuildRequest{reason: reason, enqueued: now, now: now}
	select {
	case s.queue <- req:
		s.counters.recordEnqueue(reason, len(s.queue))
	default:
		s.logger.Warn("Rebuild queue full, dropping request", "reason", reason)
	}
}

// process runs one rebuild end-to-end: build -> diff -> persist -> emit -> apply, in that
// order (spec.md §5's ordering guarantee). A panic or error at any step is recovered/logged
// and never stalls the next queued rebuild.
func (s *Service) process(req rebuildRequest) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Rebuild panicked, recovering", "reason", req.reason, "panic", r)
		}
	}()

	s.counters.recordWait(req.now.Sub(req.enqueued))

	builderInput := s.input.Snapshot(req.now)
	newPlan := plan.Build(builderInput, s.state)
	s.persistEngineState()

	sigs := computeSignatures(newPlan)

	s.mu.Lock()
	prev := s.lastSignatures
	previousPriceLevel := s.lastPriceLevel
	havePrevious := s.havePriceLevel
	s.lastPriceLevel = builderInput.PriceLevel
	s.havePriceLevel = true
	s.lastSignatures = &sigs
	s.mu.Unlock()

	actionOrDetailChanged := prev == nil || prev.action != sigs.action || prev.detail != sigs.detail
	metaChanged := prev == nil || prev.meta != sigs.meta

	if actionOrDetailChanged {
		s.writeDeviceSnapshot(newPlan, req.now)
		if s.events != nil {
			s.events.EmitPlanUpdated(newPlan)
		}
	} else if metaChanged {
		s.scheduleThrottledSnapshotWrite(newPlan)
	}

	s.maybeWriteStatus(newPlan, builderInput.PriceLevel, actionOrDetailChanged, req.now)

	if havePrevious && builderInput.PriceLevel != previousPriceLevel && s.events != nil {
		s.events.EmitPriceLevelChanged(builderInput.PriceLevel)
	}

	if s.executor != nil {
		result := s.executor.Apply(context.Background(), newPlan, s.guard, req.now, newPlan.Meta.HeadroomKw)
		for _, e := range result.Errors {
			s.logger.Error("Device apply failed", "device_id", e.DeviceID, "error", e.Err)
		}
		if s.availability != nil {
			for _, id := range result.UnavailableIDs {
				s.availability.MarkUnavailable(id)
			}
		}
	}
}

func (s *Service) writeDeviceSnapshot(p telemetry.DevicePlan, now time.Time) {
	if s.store != nil {
		if err := s.store.Set(DeviceSnapshotKey, p, now.UnixMilli()); err != nil {
			s.logger.Error("Failed to persist device plan snapshot", "error", err)
			return
		}
	}
	s.metaMu.Lock()
	s.lastMetaWrite = now
	s.metaMu.Unlock()
}

// scheduleThrottledSnapshotWrite implements the "only metaSignature changed" branch of
// spec.md §4.6: coalesce and write at most once per DetailSnapshotThrottle. A single timer
// is armed per throttle window; later calls while it is armed just replace the plan it will
// eventually write, so the write reflects the freshest meta once it fires.
func (s *Service) scheduleThrottledSnapshotWrite(p telemetry.DevicePlan) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	pl := p
	s.pendingPlan = &pl

	if time.Since(s.lastMetaWrite) >= DetailSnapshotThrottle {
		s.pendingPlan = nil
		s.metaMu.Unlock()
		s.writeDeviceSnapshot(p, time.Now())
		s.metaMu.Lock()
		return
	}

	if s.metaTimer != nil {
		return // already armed; it will pick up s.pendingPlan when it fires
	}

	wait := DetailSnapshotThrottle - time.Since(s.lastMetaWrite)
	s.metaTimer = time.AfterFunc(wait, func() {
		s.metaMu.Lock()
		pending := s.pendingPlan
		s.pendingPlan = nil
		s.metaTimer = nil
		s.metaMu.Unlock()
		if pending != nil {
			s.writeDeviceSnapshot(*pending, time.Now())
		}
	})
}

// maybeWriteStatus implements spec.md §4.6's pels_status write policy: on action/detail
// change, after VolatileWriteThrottle has elapsed, or always on the very first write.
func (s *Service) maybeWriteStatus(p telemetry.DevicePlan, priceLevel telemetry.PriceLevel, actionOrDetailChanged bool, now time.Time) {
	s.mu.Lock()
	shouldWrite := actionOrDetailChanged || !s.firstStatusDone || now.Sub(s.lastStatusWrite) >= VolatileWriteThrottle
	s.mu.Unlock()
	if !shouldWrite {
		return
	}

	sheddingActive, inShortfall := false, false
	if lr, ok := s.guard.(latchReader); ok {
		sheddingActive = lr.SheddingActive()
		inShortfall = lr.InShortfall()
	}

	status := telemetry.NewPelsStatus(p, sheddingActive, inShortfall, priceLevel, now.UnixMilli())
	if s.store != nil {
		if err := s.store.Set(StatusKey, status, now.UnixMilli()); err != nil {
			s.logger.Error("Failed to persist pels_status", "error", err)
			return
		}
	}

	s.mu.Lock()
	s.lastStatusWrite = now
	s.firstStatusDone = true
	s.mu.Unlock()
}

func (s *Service) persistEngineState() {
	if s.store == nil {
		return
	}
	raw, err := json.Marshal(s.state)
	if err != nil {
		s.logger.Error("Failed to marshal plan engine state", "error", err)
		return
	}
	if err := s.store.Set(EngineStateKey, json.RawMessage(raw), time.Now().UnixMilli()); err != nil {
		s.logger.Error("Failed to persist plan engine state", "error", err)
	}
}

// Counters exposes the rebuild-queue performance counters for diagnostics/expvar wiring.
func (s *Service) Counters() *Counters { return s.counters }
