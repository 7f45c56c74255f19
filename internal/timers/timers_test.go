package timers

import (
	"testing"
	"time"
)

func TestIntervalTimerDisabledByDefault(t *testing.T) {
	it := NewInterval(0)
	if it.C() != nil {
		t.Fatal("expected nil channel for disabled interval")
	}
}

func TestIntervalTimerFires(t *testing.T) {
	it := NewInterval(5 * time.Millisecond)
	defer it.Stop()
	select {
	case <-it.C():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("interval timer did not fire")
	}
}

func TestCommandTimeoutDisarmPreventsLater(t *testing.T) {
	ct := NewCommandTimeout()
	ct.Arm(5 * time.Millisecond)
	ct.Disarm()
	select {
	case <-ct.C():
		t.Fatal("disarmed timeout still fired")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestStaleTrackerReportsStaleIds(t *testing.T) {
	tr := NewStaleTracker(10 * time.Millisecond)
	tr.Touch("a")
	time.Sleep(20 * time.Millisecond)
	tr.Touch("b")

	stale := tr.Stale(time.Now())
	if len(stale) != 1 || stale[0] != "a" {
		t.Fatalf("Stale() = %v, want [a]", stale)
	}
}

func TestStaleTrackerDisabledWhenTimeoutZero(t *testing.T) {
	tr := NewStaleTracker(0)
	tr.Touch("a")
	time.Sleep(5 * time.Millisecond)
	if stale := tr.Stale(time.Now()); stale != nil {
		t.Fatalf("Stale() = %v, want nil when disabled", stale)
	}
}

func TestStaleTrackerRemoveStopsTracking(t *testing.T) {
	tr := NewStaleTracker(5 * time.Millisecond)
	tr.Touch("a")
	tr.Remove("a")
	time.Sleep(10 * time.Millisecond)
	if stale := tr.Stale(time.Now()); len(stale) != 0 {
		t.Fatalf("Stale() = %v, want empty after Remove", stale)
	}
}
