// Package registry tracks every worker currently connected to the
// coordinator and owns virtual-pid allocation. It is accessed from the
// single coordinator event loop goroutine only, so unlike the teacher's
// internal/jobmanager.JobManager it carries no internal lock — the
// caller's single-threadedness is the synchronization.
package registry

import (
	"fmt"
	"net"

	"github.com/dmtcp-go/coordinator/pkg/types"
)

const (
	// InitialVirtualPid is the first virtual pid ever handed out to a
	// new computation.
	InitialVirtualPid = 40000
	// VirtualPidStep is the increment between successive allocations.
	VirtualPidStep = 1000
	// MaxVirtualPid is the wraparound boundary; allocation restarts at
	// InitialVirtualPid once exceeded.
	MaxVirtualPid = 1000000
)

// Client is one connected worker (or, while negotiating, a not-yet-
// admitted socket). Fields are mutated directly by the coordinator; the
// registry only owns the two maps that index Clients by identity.
type Client struct {
	Conn         net.Conn
	UniquePid    types.UniquePid
	CompGroup    types.UniquePid
	VirtualPid   int32
	RealPid      int32
	State        types.WorkerState
	Hostname     string
	IsRestarting bool
	// NewBarrierReached tracks whether this client has checked in at
	// the barrier the coordinator is currently waiting on.
	NewBarrierReached bool
}

// Registry is the set of currently connected clients, indexed by both
// connection and virtual pid.
type Registry struct {
	byConn       map[net.Conn]*Client
	byVirtualPid map[int32]*Client
	nextPid      int32
}

// New returns an empty Registry with the allocator primed at
// InitialVirtualPid.
func New() *Registry {
	return &Registry{
		byConn:       make(map[net.Conn]*Client),
		byVirtualPid: make(map[int32]*Client),
		nextPid:      InitialVirtualPid,
	}
}

// Add registers conn as a new client and assigns it a freshly allocated
// virtual pid. It is an error to add the same connection twice.
func (r *Registry) Add(conn net.Conn) (*Client, error) {
	if _, exists := r.byConn[conn]; exists {
		return nil, fmt.Errorf("registry: connection already registered")
	}
	c := &Client{
		Conn:       conn,
		VirtualPid: r.allocateVirtualPid(),
	}
	r.byConn[conn] = c
	r.byVirtualPid[c.VirtualPid] = c
	return c, nil
}

// AddWithPid registers conn as a client reusing pid as its virtual pid,
// rather than allocating a new one. This is how a restarting worker
// keeps the identity it had before the checkpoint: pid is the one it
// reports in its hello, not a coordinator-minted value. It is an error
// to add the same connection twice, or for pid to already be held by
// another live client.
func (r *Registry) AddWithPid(conn net.Conn, pid int32) (*Client, error) {
	if _, exists := r.byConn[conn]; exists {
		return nil, fmt.Errorf("registry: connection already registered")
	}
	if _, taken := r.byVirtualPid[pid]; taken {
		return nil, fmt.Errorf("registry: virtual pid %d already in use", pid)
	}
	c := &Client{
		Conn:       conn,
		VirtualPid: pid,
	}
	r.byConn[conn] = c
	r.byVirtualPid[pid] = c
	return c, nil
}

// allocateVirtualPid returns the next free virtual pid, skipping any
// still occupied by a live client and wrapping at MaxVirtualPid. It
// panics only if the entire space is exhausted, which would require
// roughly 1000 simultaneously-connected workers — a condition the
// coordinator cannot usefully recover from either.
func (r *Registry) allocateVirtualPid() int32 {
	for attempts := 0; attempts < (MaxVirtualPid-InitialVirtualPid)/VirtualPidStep+1; attempts++ {
		candidate := r.nextPid
		r.nextPid += VirtualPidStep
		if r.nextPid > MaxVirtualPid {
			r.nextPid = InitialVirtualPid
		}
		if _, taken := r.byVirtualPid[candidate]; !taken {
			return candidate
		}
	}
	panic("registry: virtual pid space exhausted")
}

// Remove drops conn's client, freeing its virtual pid for reuse.
func (r *Registry) Remove(conn net.Conn) {
	c, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	delete(r.byVirtualPid, c.VirtualPid)
}

// Get returns the client for conn, or nil if conn is not registered.
func (r *Registry) Get(conn net.Conn) *Client {
	return r.byConn[conn]
}

// GetByVirtualPid returns the client holding pid, or nil.
func (r *Registry) GetByVirtualPid(pid int32) *Client {
	return r.byVirtualPid[pid]
}

// Clients returns every currently registered client. The returned
// slice is a fresh copy safe to range over while calling Remove.
func (r *Registry) Clients() []*Client {
	out := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	return len(r.byConn)
}

// ResetBarrierFlags clears NewBarrierReached on every client, called
// whenever the coordinator opens a new barrier.
func (r *Registry) ResetBarrierFlags() {
	for _, c := range r.byConn {
		c.NewBarrierReached = false
	}
}
