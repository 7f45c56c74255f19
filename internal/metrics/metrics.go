// Package metrics collects and exposes the coordinator's Prometheus
// metrics: barrier releases, checkpoint/restart rounds, kills, and the
// live peer/virtual-pid counts.
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the coordinator's Prometheus metrics collector.
type Collector struct {
	barriersReleased   prometheus.Counter
	checkpointsStarted prometheus.Counter
	checkpointsDone    prometheus.Counter
	restartsStarted    prometheus.Counter
	restartsCompleted  prometheus.Counter
	killsIssued        prometheus.Counter
	connectionsDropped prometheus.Counter

	checkpointLatency prometheus.Histogram
	restartLatency    prometheus.Histogram

	peers            prometheus.Gauge
	virtualPidsInUse prometheus.Gauge

	mu sync.Mutex
}

// NewCollector builds and registers a fresh Collector.
func NewCollector() *Collector {
	c := &Collector{
		barriersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_barriers_released_total",
			Help: "Total number of barriers released",
		}),
		checkpointsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_checkpoints_started_total",
			Help: "Total number of checkpoint rounds started",
		}),
		checkpointsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_checkpoints_completed_total",
			Help: "Total number of checkpoint rounds completed",
		}),
		restartsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_restarts_started_total",
			Help: "Total number of restart rounds started",
		}),
		restartsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_restarts_completed_total",
			Help: "Total number of restart rounds completed",
		}),
		killsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_kills_issued_total",
			Help: "Total number of kill-peer broadcasts issued",
		}),
		connectionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coord_connections_dropped_total",
			Help: "Total number of worker connections dropped by the coordinator",
		}),
		checkpointLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_checkpoint_latency_seconds",
			Help:    "Time from checkpoint start to every worker reporting CHECKPOINTED",
			Buckets: prometheus.DefBuckets,
		}),
		restartLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coord_restart_latency_seconds",
			Help:    "Time from first restart connection to every expected peer joining",
			Buckets: prometheus.DefBuckets,
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_peers",
			Help: "Current number of connected workers",
		}),
		virtualPidsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coord_virtual_pids_in_use",
			Help: "Current number of allocated virtual pids",
		}),
	}

	prometheus.MustRegister(c.barriersReleased)
	prometheus.MustRegister(c.checkpointsStarted)
	prometheus.MustRegister(c.checkpointsDone)
	prometheus.MustRegister(c.restartsStarted)
	prometheus.MustRegister(c.restartsCompleted)
	prometheus.MustRegister(c.killsIssued)
	prometheus.MustRegister(c.connectionsDropped)
	prometheus.MustRegister(c.checkpointLatency)
	prometheus.MustRegister(c.restartLatency)
	prometheus.MustRegister(c.peers)
	prometheus.MustRegister(c.virtualPidsInUse)

	return c
}

// RecordBarrierReleased records a barrier release.
func (c *Collector) RecordBarrierReleased() {
	c.barriersReleased.Inc()
}

// RecordCheckpointStarted records the start of a checkpoint round.
func (c *Collector) RecordCheckpointStarted() {
	c.checkpointsStarted.Inc()
}

// RecordCheckpointCompleted records a completed checkpoint round and
// its latency.
func (c *Collector) RecordCheckpointCompleted(latencySeconds float64) {
	c.checkpointsDone.Inc()
	c.checkpointLatency.Observe(latencySeconds)
}

// RecordRestartStarted records the start of a restart round.
func (c *Collector) RecordRestartStarted() {
	c.restartsStarted.Inc()
}

// RecordRestartCompleted records a completed restart round and its
// latency.
func (c *Collector) RecordRestartCompleted(latencySeconds float64) {
	c.restartsCompleted.Inc()
	c.restartLatency.Observe(latencySeconds)
}

// RecordKillIssued records a kill-peer broadcast.
func (c *Collector) RecordKillIssued() {
	c.killsIssued.Inc()
}

// RecordConnectionDropped records the coordinator dropping a registered
// worker's connection (a barrier name mismatch or other barrier error,
// or an unexpected message type).
func (c *Collector) RecordConnectionDropped() {
	c.connectionsDropped.Inc()
}

// UpdatePeerStats sets the live peer and virtual-pid gauges.
func (c *Collector) UpdatePeerStats(peers, virtualPidsInUse int) {
	c.peers.Set(float64(peers))
	c.virtualPidsInUse.Set(float64(virtualPidsInUse))
}

// StartServer starts the Prometheus metrics HTTP server on port,
// blocking until it fails.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
