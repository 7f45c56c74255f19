package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.barriersReleased, "barriersReleased counter should be initialized")
	assert.NotNil(t, collector.checkpointsStarted, "checkpointsStarted counter should be initialized")
	assert.NotNil(t, collector.checkpointsDone, "checkpointsDone counter should be initialized")
	assert.NotNil(t, collector.restartsStarted, "restartsStarted counter should be initialized")
	assert.NotNil(t, collector.restartsCompleted, "restartsCompleted counter should be initialized")
	assert.NotNil(t, collector.killsIssued, "killsIssued counter should be initialized")
	assert.NotNil(t, collector.checkpointLatency, "checkpointLatency histogram should be initialized")
	assert.NotNil(t, collector.restartLatency, "restartLatency histogram should be initialized")
	assert.NotNil(t, collector.peers, "peers gauge should be initialized")
	assert.NotNil(t, collector.virtualPidsInUse, "virtualPidsInUse gauge should be initialized")
}

func TestRecordBarrierReleased(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordBarrierReleased()
	}, "RecordBarrierReleased should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordBarrierReleased()
	}
}

func TestRecordCheckpointStarted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCheckpointStarted()
	}, "RecordCheckpointStarted should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordCheckpointStarted()
	}
}

func TestRecordCheckpointCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}
	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordCheckpointCompleted(latency)
		}, "RecordCheckpointCompleted should not panic with latency %f", latency)
	}
}

func TestRecordRestartStartedAndCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRestartStarted()
		collector.RecordRestartCompleted(0.4)
	}, "restart lifecycle should not panic")
}

func TestRecordKillIssued(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordKillIssued()
	}, "RecordKillIssued should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordKillIssued()
	}
}

func TestRecordConnectionDropped(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordConnectionDropped()
	}, "RecordConnectionDropped should not panic")

	for i := 0; i < 2; i++ {
		collector.RecordConnectionDropped()
	}
}

func TestUpdatePeerStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name             string
		peers            int
		virtualPidsInUse int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 10},
		{"peers without pids allocated yet", 5, 0},
		{"equal values", 20, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdatePeerStats(tc.peers, tc.virtualPidsInUse)
			}, "UpdatePeerStats should not panic")
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Prometheus metrics should be safe under concurrent updates even
	// though the coordinator itself is single-threaded; other tools
	// (the metrics HTTP handler) read these concurrently with writes.
	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordBarrierReleased()
			collector.RecordCheckpointStarted()
			collector.RecordCheckpointCompleted(0.1)
			collector.UpdatePeerStats(10, 10)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	// A second collector on the same default registerer cannot coexist
	// with the first.
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// Second collector will panic due to duplicate registration.
	// This is expected: a process should have only one collector.
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestCheckpointOperationSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCheckpointStarted()
		collector.UpdatePeerStats(3, 3)
		collector.RecordCheckpointCompleted(0.5)
	}, "complete checkpoint lifecycle should not panic")
}

func TestRestartOperationSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordRestartStarted()
		collector.UpdatePeerStats(1, 1)
		collector.UpdatePeerStats(3, 3)
		collector.RecordRestartCompleted(1.2)
	}, "restart scenario should not panic")
}

func TestZeroAndBoundaryValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordCheckpointCompleted(0.0) // zero latency
		collector.UpdatePeerStats(0, 0)           // no peers
	}, "edge case values should not panic")
}
