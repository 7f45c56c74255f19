// Package barrier implements the coordinator's single global named
// barrier: workers check in by name, and the barrier releases once
// every expected peer has arrived at the same name.
package barrier

import (
	"fmt"

	"github.com/dmtcp-go/coordinator/internal/registry"
)

// Engine tracks arrivals at the currently open barrier. There is at
// most one open barrier at a time, matching spec.md's single global
// named barrier (no per-subsystem barrier namespacing).
type Engine struct {
	reg *registry.Registry

	name    string
	arrived int

	// restartTarget, when restarting is true, overrides reg.Count() as
	// the number of arrivals required to release: during a restart the
	// final peer count is only known once every restarting worker has
	// reconnected, so release must wait for that exact count rather
	// than "everyone currently connected".
	restarting    bool
	restartTarget int
}

// New returns an Engine with no barrier open.
func New(reg *registry.Registry) *Engine {
	return &Engine{reg: reg}
}

// Open reports whether a barrier is currently being awaited.
func (e *Engine) Open() bool {
	return e.name != ""
}

// Name returns the name of the currently open barrier, or "".
func (e *Engine) Name() string {
	return e.name
}

// SetRestartTarget puts the engine into restart mode, where release
// requires exactly n arrivals regardless of how many clients are
// currently registered. Call ClearRestartTarget once the restarted
// computation's peer count has stabilized.
func (e *Engine) SetRestartTarget(n int) {
	e.restarting = true
	e.restartTarget = n
}

// ClearRestartTarget leaves restart mode, reverting to reg.Count() as
// the release threshold.
func (e *Engine) ClearRestartTarget() {
	e.restarting = false
	e.restartTarget = 0
}

// Arrive records that c has reached the barrier named name. If no
// barrier is currently open, name opens one. It returns released=true
// when this arrival was the one that satisfied the release condition;
// the caller is responsible for broadcasting DMT_BARRIER_RELEASED and
// calling Reset. An ErrNameMismatch means c disagrees with the rest of
// the computation about which barrier is open — the caller should log
// and disconnect c rather than treat this as fatal to the coordinator.
func (e *Engine) Arrive(c *registry.Client, name string) (released bool, err error) {
	if name == "" {
		return false, fmt.Errorf("barrier: empty barrier name")
	}
	if !e.Open() {
		e.name = name
		e.reg.ResetBarrierFlags()
	} else if name != e.name {
		return false, &ErrNameMismatch{Got: name, Want: e.name}
	}

	if c.NewBarrierReached {
		return false, nil
	}
	c.NewBarrierReached = true
	e.arrived++

	return e.arrivals() >= e.expected(), nil
}

// arrivals counts the registered clients that have checked in at the
// open barrier, so a client that arrived and then disconnected no
// longer counts toward release.
func (e *Engine) arrivals() int {
	n := 0
	for _, c := range e.reg.Clients() {
		if c.NewBarrierReached {
			n++
		}
	}
	return n
}

// Released reports whether the currently open barrier's release
// condition is already satisfied without requiring a new arrival.
// Callers use this after a waiting client disconnects, since losing a
// peer can itself satisfy a barrier that was one arrival short.
func (e *Engine) Released() bool {
	return e.Open() && e.arrivals() >= e.expected()
}

func (e *Engine) expected() int {
	if e.restarting {
		return e.restartTarget
	}
	return e.reg.Count()
}

// Reset closes the current barrier, clearing every client's arrival
// flag and the arrival counter, ready for the next named barrier.
func (e *Engine) Reset() {
	e.name = ""
	e.arrived = 0
	e.reg.ResetBarrierFlags()
}

// ErrNameMismatch is returned by Arrive when a client names a
// different barrier than the one currently open.
type ErrNameMismatch struct {
	Got, Want string
}

func (e *ErrNameMismatch) Error() string {
	return fmt.Sprintf("barrier: got %q, want %q", e.Got, e.Want)
}
