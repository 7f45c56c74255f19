// Package restart orchestrates workers reconnecting after a restart:
// the first worker to connect establishes the new computation group by
// adopting its presented compGroup verbatim, and every subsequent
// worker must present that same group to be accepted into it.
package restart

import (
	"errors"
	"fmt"

	"github.com/dmtcp-go/coordinator/pkg/types"
)

// ErrForeignGroup is returned by Accept when a worker presents a
// computation group different from the one currently restarting.
var ErrForeignGroup = errors.New("restart: worker belongs to a different computation group")

// ErrStaleGroup is returned by Accept when a worker presents the zero
// group, whether or not a restart is active — it has no checkpointed
// computation to restart into.
var ErrStaleGroup = errors.New("restart: worker has no prior computation group")

// Orchestrator tracks the single restart in progress, if any. Only one
// restart can be active at a time, matching the coordinator's single
// global computation.
type Orchestrator struct {
	active bool

	baseGroup    types.UniquePid // group as presented by the first worker
	currentGroup types.UniquePid // == baseGroup; restart never bumps the generation

	expectedPeers int
	joined        int
}

// New returns an Orchestrator with no restart active.
func New() *Orchestrator {
	return &Orchestrator{}
}

// Active reports whether a restart is currently in progress.
func (o *Orchestrator) Active() bool {
	return o.active
}

// CurrentGroup returns the new computation group being restarted into.
// It is only meaningful while Active.
func (o *Orchestrator) CurrentGroup() types.UniquePid {
	return o.currentGroup
}

// Accept admits a worker presenting group (its last checkpointed
// computation group) and expectedPeers (the total peer count it
// believes the restarted computation has). It returns the computation
// group the worker should adopt, which is group itself verbatim — a
// restart adopts the checkpointed compId as-is; only startCheckpoint
// advances the generation.
//
// The first call opens the restart and fixes baseGroup/currentGroup/
// expectedPeers for every subsequent call. A worker presenting the
// zero group can never start or join a restart: restarting requires
// having checkpointed under a real computation first.
func (o *Orchestrator) Accept(group types.UniquePid, expectedPeers int) (types.UniquePid, error) {
	if group.IsZero() {
		return types.UniquePid{}, ErrStaleGroup
	}

	if !o.active {
		o.active = true
		o.baseGroup = group
		o.currentGroup = group
		o.expectedPeers = expectedPeers
		o.joined = 1
		return o.currentGroup, nil
	}

	if group != o.baseGroup {
		return types.UniquePid{}, ErrForeignGroup
	}

	o.joined++
	// A late-arriving peer may reveal a higher true peer count than the
	// first worker guessed (the original allows this, rather than
	// rejecting the peer outright).
	if expectedPeers > o.expectedPeers {
		o.expectedPeers = expectedPeers
	}
	return o.currentGroup, nil
}

// Joined returns the number of workers admitted into the active
// restart so far.
func (o *Orchestrator) Joined() int {
	return o.joined
}

// ExpectedPeers returns the peer count the restart is waiting to
// reach.
func (o *Orchestrator) ExpectedPeers() int {
	return o.expectedPeers
}

// Complete reports whether every expected peer has joined.
func (o *Orchestrator) Complete() bool {
	return o.active && o.joined >= o.expectedPeers
}

// Finish closes the restart, ready for the next one.
func (o *Orchestrator) Finish() {
	*o = Orchestrator{}
}

// Describe renders a short diagnostic string for logging.
func (o *Orchestrator) Describe() string {
	if !o.active {
		return "restart: inactive"
	}
	return fmt.Sprintf("restart: group=%s joined=%d/%d", o.currentGroup, o.joined, o.expectedPeers)
}
