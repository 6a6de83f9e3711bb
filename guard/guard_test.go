package guard

import (
	"math"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSoftLimit_DefaultsToContractMinusMargin(t *testing.T) {
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2})
	if got := g.SoftLimit(); got != 9.8 {
		t.Errorf("SoftLimit() = %v, want 9.8", got)
	}
}

func TestSoftLimit_OverrideWinsWhenTighter(t *testing.T) {
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2})
	override := 6.0
	g.InstallSoftLimitOverride(func() *float64 { return &override })

	if got := g.SoftLimit(); got != 6.0 {
		t.Errorf("SoftLimit() = %v, want 6.0 (override)", got)
	}
	if got := g.CapacitySoftLimit(); got != 9.8 {
		t.Errorf("CapacitySoftLimit() = %v, want 9.8 (ignores override)", got)
	}
}

func TestHeadroom_NilBeforeFirstSample(t *testing.T) {
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2})
	if h := g.Headroom(); h != nil {
		t.Errorf("Headroom() = %v, want nil", *h)
	}
}

func TestHeadroom_ComputedAfterSample(t *testing.T) {
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2})
	g.ReportTotalPower(11, epoch)

	h := g.Headroom()
	if h == nil {
		t.Fatal("Headroom() = nil, want a value")
	}
	if want := 9.8 - 11; math.Abs(*h-want) > 1e-9 {
		t.Errorf("Headroom() = %v, want %v", *h, want)
	}
}

func TestSetSheddingActive_FiresCallbacksOnEdgesOnly(t *testing.T) {
	startCount, endCount := 0, 0
	done := make(chan struct{}, 10)
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2, Callbacks: Callbacks{
		OnSheddingStart: func() { startCount++; done <- struct{}{} },
		OnSheddingEnd:   func() { endCount++; done <- struct{}{} },
	}})

	g.SetSheddingActive(true)
	g.SetSheddingActive(true) // no-op, already active
	g.SetSheddingActive(false)
	g.SetSheddingActive(false) // no-op, already inactive

	for i := 0; i < 2; i++ {
		<-done
	}
	if startCount != 1 {
		t.Errorf("startCount = %d, want 1", startCount)
	}
	if endCount != 1 {
		t.Errorf("endCount = %d, want 1", endCount)
	}
}

// TestCheckShortfall_S2 follows spec.md scenario S2: sample above the hard limit with no
// remaining candidates latches shortfall exactly once; a subsequent sample comfortably
// below threshold for 60s clears it, and a dip-then-recover resets the clear timer.
func TestCheckShortfall_S2(t *testing.T) {
	var deficits []float64
	cleared := 0
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2, Callbacks: Callbacks{
		OnShortfall:        func(deficit float64) { deficits = append(deficits, deficit) },
		OnShortfallCleared: func() { cleared++ },
	}})

	now := epoch
	g.ReportTotalPower(12, now)
	g.CheckShortfall(false, 1.8, now)
	if !g.InShortfall() {
		t.Fatal("expected shortfall to be latched")
	}

	// Still over threshold / still no candidates: must not fire OnShortfall again.
	now = now.Add(time.Second)
	g.ReportTotalPower(12, now)
	g.CheckShortfall(false, 1.8, now)

	time.Sleep(10 * time.Millisecond) // let the fire-and-forget goroutine run
	if len(deficits) != 1 {
		t.Errorf("OnShortfall fired %d times, want exactly 1", len(deficits))
	}

	// Drops to 9.5kW (0.5kW clear margin, over the 0.2kW minimum) but only briefly - should
	// not clear yet, and a dip back above threshold resets the timer.
	now = now.Add(time.Second)
	g.ReportTotalPower(9.5, now)
	g.CheckShortfall(true, 0, now)
	if !g.InShortfall() {
		t.Fatal("shortfall cleared too early")
	}

	now = now.Add(30 * time.Second)
	g.ReportTotalPower(12, now) // dip back above threshold resets the clear timer
	g.CheckShortfall(false, 1.8, now)
	if !g.InShortfall() {
		t.Fatal("shortfall unexpectedly cleared")
	}

	now = now.Add(time.Second)
	g.ReportTotalPower(9.5, now)
	g.CheckShortfall(true, 0, now)

	now = now.Add(ClearSustain) // sustained for the full window, restarting from this sample
	g.ReportTotalPower(9.5, now)
	g.CheckShortfall(true, 0, now)

	time.Sleep(10 * time.Millisecond)
	if g.InShortfall() {
		t.Error("expected shortfall to clear after sustained recovery")
	}
	if cleared != 1 {
		t.Errorf("OnShortfallCleared fired %d times, want 1", cleared)
	}
}

func TestCheckShortfall_NeverLatchesWithCandidatesRemaining(t *testing.T) {
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2})
	g.ReportTotalPower(12, epoch)
	g.CheckShortfall(true, 1.8, epoch)

	if g.InShortfall() {
		t.Error("shortfall should not latch while controllable keep-candidates remain")
	}
}

// TestCheckShortfall_DailyBudgetNeverLatches follows spec.md scenario S3: pressure from a
// tightened daily-budget soft limit must never latch shortfall, because the threshold is
// always the hard contract limit.
func TestCheckShortfall_DailyBudgetNeverLatches(t *testing.T) {
	g := New(Config{LimitKw: 10, SoftMarginKw: 0.2})
	override := 6.0
	g.InstallSoftLimitOverride(func() *float64 { return &override })

	g.ReportTotalPower(9.5, epoch) // under contract limit, but over the daily-tightened soft limit
	g.CheckShortfall(false, 3.5, epoch)

	if g.InShortfall() {
		t.Error("daily budget pressure alone must never latch shortfall")
	}
}
