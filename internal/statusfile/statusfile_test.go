package statusfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmtcp-go/coordinator/internal/config"
	"github.com/dmtcp-go/coordinator/pkg/types"
)

func TestOpenWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	w, err := Open(path, "localhost", 7779, 1234)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.Contains(content, "Port: 7779") || !strings.Contains(content, "Pid: 1234") {
		t.Fatalf("header missing expected fields: %q", content)
	}
	if !strings.Contains(content, "Coordinator started: ") {
		t.Fatalf("header missing startup timestamp: %q", content)
	}
}

func TestWriteStatusRewritesBodyWithoutTouchingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	w, _ := Open(path, "localhost", 7779, 1234)
	defer w.Close()

	cfg := config.Config{Host: "localhost", Port: 7779, CheckpointDir: "/tmp/ckpt", ExitOnLast: true}
	compID := types.UniquePid{HostID: 1, Pid: 1234, Time: 9, Generation: 3}

	if err := w.WriteStatus(types.ComputationStatus{NumPeers: 2, MinimumState: types.Running, MaximumState: types.Running, MinimumStateUnanimous: true}, cfg, compID); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	if err := w.WriteStatus(types.ComputationStatus{NumPeers: 5, MinimumState: types.Suspended, MaximumState: types.Suspended, MinimumStateUnanimous: true}, cfg, compID); err != nil {
		t.Fatalf("WriteStatus (2nd): %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.Contains(content, "Port: 7779") {
		t.Error("header was lost after rewriting body")
	}
	if !strings.Contains(content, "NumPeers: 5") {
		t.Error("body was not updated to the latest status")
	}
	if strings.Contains(content, "NumPeers: 2") {
		t.Error("stale body content was not truncated")
	}
}

func TestWriteStatusIncludesConfigAndComputationFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	w, _ := Open(path, "localhost", 7779, 1234)
	defer w.Close()

	cfg := config.Config{
		Host:          "coord.example",
		Port:          7779,
		Interval:      60 * time.Second,
		ExitOnLast:    true,
		KillAfterCkpt: true,
		CheckpointDir: "/var/ckpt",
	}
	compID := types.UniquePid{HostID: 42, Pid: 5, Time: 100, Generation: 7}

	if err := w.WriteStatus(types.ComputationStatus{NumPeers: 3, MinimumState: types.Running, MaximumState: types.Running, MinimumStateUnanimous: true}, cfg, compID); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	for _, want := range []string{
		"Host: coord.example",
		"Interval: 60",
		"ExitOnLast: true",
		"KillAfterCkpt: true",
		"ComputationId: " + compID.String(),
		"CkptDir: /var/ckpt",
		"RUNNING: true",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("body missing %q: %q", want, content)
		}
	}
}

func TestWriteTerminationAppendsAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	w, _ := Open(path, "localhost", 7779, 1234)

	if err := w.WriteTermination("peer requested kill"); err != nil {
		t.Fatalf("WriteTermination: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "Terminated: peer requested kill") {
		t.Fatalf("termination line missing: %q", data)
	}
}
