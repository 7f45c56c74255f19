// Package timers provides the coordinator's three time-driven
// mechanisms: the periodic auto-checkpoint interval, a one-shot
// command timeout, and per-worker staleness tracking.
package timers

import "time"

// IntervalTimer wraps a time.Ticker for the auto-checkpoint interval.
// A zero or negative interval means auto-checkpointing is disabled;
// C() then returns a nil channel, which a select statement simply
// never receives from.
type IntervalTimer struct {
	ticker *time.Ticker
}

// NewInterval returns an IntervalTimer that fires every d. Pass d <= 0
// to get a disabled timer.
func NewInterval(d time.Duration) *IntervalTimer {
	if d <= 0 {
		return &IntervalTimer{}
	}
	return &IntervalTimer{ticker: time.NewTicker(d)}
}

// C returns the tick channel, or nil if the interval is disabled.
func (t *IntervalTimer) C() <-chan time.Time {
	if t.ticker == nil {
		return nil
	}
	return t.ticker.C
}

// Reset changes the interval, disabling it for d <= 0.
func (t *IntervalTimer) Reset(d time.Duration) {
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
	if d > 0 {
		t.ticker = time.NewTicker(d)
	}
}

// Stop releases the underlying ticker's resources.
func (t *IntervalTimer) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}

// CommandTimeout is a one-shot timer; the coordinator arms it with
// --timeout as its unconditional hard-exit deadline. It starts
// disarmed (C returns nil), and Arm with d <= 0 leaves it disarmed.
type CommandTimeout struct {
	timer *time.Timer
}

// NewCommandTimeout returns a disabled CommandTimeout; call Arm to
// start it.
func NewCommandTimeout() *CommandTimeout {
	return &CommandTimeout{}
}

// Arm (re)starts the timeout for d, replacing any timer already
// running. d <= 0 disables it.
func (t *CommandTimeout) Arm(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if d > 0 {
		t.timer = time.NewTimer(d)
	}
}

// Disarm stops the timeout without firing it.
func (t *CommandTimeout) Disarm() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// C returns the fire channel, or nil if disarmed.
func (t *CommandTimeout) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// StaleTracker records the last time each tracked id was seen, and
// reports which ids have gone quiet longer than the configured
// timeout. It is polled, not event-driven, matching spec.md's
// stale-timeout sweep rather than a timer-per-peer design — with
// potentially thousands of peers, one timer per peer is needless
// overhead next to a single periodic sweep.
type StaleTracker struct {
	timeout  time.Duration
	lastSeen map[any]time.Time
}

// NewStaleTracker returns a tracker that considers an id stale once
// timeout has elapsed since its last Touch. timeout <= 0 disables
// staleness detection entirely (Stale always returns nil).
func NewStaleTracker(timeout time.Duration) *StaleTracker {
	return &StaleTracker{timeout: timeout, lastSeen: make(map[any]time.Time)}
}

// Touch records that id was just seen.
func (t *StaleTracker) Touch(id any) {
	t.lastSeen[id] = time.Now()
}

// Remove stops tracking id, e.g. once it has disconnected.
func (t *StaleTracker) Remove(id any) {
	delete(t.lastSeen, id)
}

// Stale returns every tracked id whose last Touch is more than the
// configured timeout in the past, as of now.
func (t *StaleTracker) Stale(now time.Time) []any {
	if t.timeout <= 0 {
		return nil
	}
	var out []any
	for id, last := range t.lastSeen {
		if now.Sub(last) > t.timeout {
			out = append(out, id)
		}
	}
	return out
}
