// Package statusfile writes the coordinator's status file: a header
// line written once at startup (host, port, pid), a body rewritten in
// place on every status change, and a termination line appended once
// at shutdown.
package statusfile

import (
	"fmt"
	"os"
	"time"

	"github.com/dmtcp-go/coordinator/internal/config"
	"github.com/dmtcp-go/coordinator/pkg/types"
)

// Writer owns the open status file and the byte offset marking the
// end of the header line, so the body can be rewritten without
// disturbing it.
type Writer struct {
	path         string
	f            *os.File
	headerOffset int64
}

// Open creates or truncates the status file at path and writes the
// header line immediately.
func Open(path string, host string, port int, pid int) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("statusfile: open %s: %w", path, err)
	}

	header := fmt.Sprintf(
		"Host: %s\nPort: %d\nPid: %d\nCoordinator started: %s\n",
		host, port, pid, time.Now().Format(time.RFC1123),
	)
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("statusfile: write header: %w", err)
	}

	return &Writer{path: path, f: f, headerOffset: int64(len(header))}, nil
}

// WriteStatus truncates everything after the header and writes a
// fresh body describing status. Called every time ComputationStatus
// changes in a way worth reflecting on disk. cfg and compID supply the
// fields that don't come from the aggregated worker states: the
// coordinator's own configuration and the identity of the computation
// it is currently running.
func (w *Writer) WriteStatus(status types.ComputationStatus, cfg config.Config, compID types.UniquePid) error {
	if _, err := w.f.Seek(w.headerOffset, 0); err != nil {
		return fmt.Errorf("statusfile: seek to body: %w", err)
	}
	if err := w.f.Truncate(w.headerOffset); err != nil {
		return fmt.Errorf("statusfile: truncate body: %w", err)
	}

	body := fmt.Sprintf(
		"Host: %s\nPort: %d\nInterval: %d\nExitOnLast: %t\nKillAfterCkpt: %t\nComputationId: %s\nCkptDir: %s\nNumPeers: %d\nMinimumState: %s\nMaximumState: %s\nUnanimous: %t\nRUNNING: %t\n",
		cfg.Host, cfg.Port, int(cfg.Interval.Seconds()), cfg.ExitOnLast, cfg.KillAfterCkpt,
		compID, cfg.CheckpointDir,
		status.NumPeers, status.MinimumState, status.MaximumState, status.MinimumStateUnanimous, status.Running(),
	)
	if _, err := w.f.WriteString(body); err != nil {
		return fmt.Errorf("statusfile: write body: %w", err)
	}
	return w.f.Sync()
}

// WriteTermination appends a final line recording why the coordinator
// exited, and closes the file. Call this exactly once, at shutdown.
func (w *Writer) WriteTermination(reason string) error {
	if _, err := w.f.Seek(0, 2); err != nil {
		return fmt.Errorf("statusfile: seek to end: %w", err)
	}
	if _, err := w.f.WriteString(fmt.Sprintf("Terminated: %s\n", reason)); err != nil {
		return fmt.Errorf("statusfile: write termination line: %w", err)
	}
	return w.Close()
}

// Close closes the underlying file without writing a termination
// line; used when the coordinator never got far enough to need one.
func (w *Writer) Close() error {
	return w.f.Close()
}
