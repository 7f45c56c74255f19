// Package aggregator computes ComputationStatus, the coordinator's
// on-demand summary of every connected worker's reported state.
package aggregator

import (
	"time"

	"github.com/dmtcp-go/coordinator/internal/registry"
	"github.com/dmtcp-go/coordinator/pkg/types"
)

// Compute returns the aggregate status over clients. An empty client
// set reports NumPeers 0 with both minimum and maximum state UNKNOWN
// and unanimity trivially true, matching the original's behavior for
// a coordinator with no computation registered.
func Compute(clients []*registry.Client) types.ComputationStatus {
	status := types.ComputationStatus{
		NumPeers:              len(clients),
		MinimumState:          types.Unknown,
		MaximumState:          types.Unknown,
		MinimumStateUnanimous: true,
		Timestamp:             time.Now(),
	}
	if len(clients) == 0 {
		return status
	}

	min := clients[0].State
	max := clients[0].State
	for _, c := range clients[1:] {
		if c.State < min {
			min = c.State
		}
		if c.State > max {
			max = c.State
		}
	}

	status.MinimumState = min
	status.MaximumState = max
	status.MinimumStateUnanimous = min == max
	return status
}
