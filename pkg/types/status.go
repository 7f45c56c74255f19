package types

import "time"

// ComputationStatus is a snapshot of the aggregate state of every
// currently registered worker. It is recomputed on demand, never cached
// across event-loop iterations.
type ComputationStatus struct {
	NumPeers              int
	MinimumState          WorkerState
	MaximumState          WorkerState
	MinimumStateUnanimous bool
	Timestamp             time.Time
}

// Running reports whether every peer is unanimously RUNNING, the
// precondition the command dispatcher and CLI's "s" command care about.
func (s ComputationStatus) Running() bool {
	return s.MinimumStateUnanimous && s.MinimumState == Running
}
