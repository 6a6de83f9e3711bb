package plan

import "time"

// State is the Plan Engine's private, persisted-on-request state (spec.md §3). All
// mutation goes through the Engine; it is safe to re-hydrate from the settings store at
// boot and snapshot on write.
type State struct {
	LastDeviceShedMs    map[string]int64 `json:"lastDeviceShedMs"`
	LastDeviceRestoreMs map[string]int64 `json:"lastDeviceRestoreMs"`
	LastSheddingMs      int64            `json:"lastSheddingMs"`
	LastOvershootMs     int64            `json:"lastOvershootMs"`
	LastRestoreMs       int64            `json:"lastRestoreMs"`

	LastPlannedShedIds map[string]bool `json:"lastPlannedShedIds"`

	PendingSwapTargets map[string]bool   `json:"pendingSwapTargets"`
	SwappedOutFor      map[string]string `json:"swappedOutFor"`
	// PendingSwapTimestamps records when a swap was proposed, so it can be expired after
	// SwapSettleWindow (spec.md §4.4 Phase D).
	PendingSwapTimestamps map[string]int64 `json:"pendingSwapTimestamps"`

	HourlyBudgetExhausted bool `json:"hourlyBudgetExhausted"`
	InShortfall           bool `json:"inShortfall"`
}

// NewState returns a zero-value State with its maps initialised.
func NewState() *State {
	return &State{
		LastDeviceShedMs:      make(map[string]int64),
		LastDeviceRestoreMs:   make(map[string]int64),
		LastPlannedShedIds:    make(map[string]bool),
		PendingSwapTargets:    make(map[string]bool),
		SwappedOutFor:         make(map[string]string),
		PendingSwapTimestamps: make(map[string]int64),
	}
}

// EnsureMaps defends against a State decoded from JSON with omitted (nil) map fields. It
// is exported so planservice can call it after loading persisted state from the settings
// store, in addition to Build's own defensive call on every cycle.
func (s *State) EnsureMaps() {
	s.ensureMaps()
}

func (s *State) ensureMaps() {
	if s.LastDeviceShedMs == nil {
		s.LastDeviceShedMs = make(map[string]int64)
	}
	if s.LastDeviceRestoreMs == nil {
		s.LastDeviceRestoreMs = make(map[string]int64)
	}
	if s.LastPlannedShedIds == nil {
		s.LastPlannedShedIds = make(map[string]bool)
	}
	if s.PendingSwapTargets == nil {
		s.PendingSwapTargets = make(map[string]bool)
	}
	if s.SwappedOutFor == nil {
		s.SwappedOutFor = make(map[string]string)
	}
	if s.PendingSwapTimestamps == nil {
		s.PendingSwapTimestamps = make(map[string]int64)
	}
}

// expirePendingSwaps drops any pending swap whose settle window has elapsed.
func (s *State) expirePendingSwaps(now time.Time) {
	for id, ts := range s.PendingSwapTimestamps {
		if now.Sub(time.UnixMilli(ts)) > SwapSettleWindow {
			delete(s.PendingSwapTimestamps, id)
			delete(s.PendingSwapTargets, id)
		}
	}
}
