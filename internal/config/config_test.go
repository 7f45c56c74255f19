package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPort(t *testing.T) {
	cfg := Default()
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want default %d", cfg.Port, DefaultPort)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coord.yaml")
	content := "port: 12345\ncheckpoint_dir: /var/ckpt\nquiet: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 12345 {
		t.Errorf("Port = %d, want 12345", cfg.Port)
	}
	if cfg.CheckpointDir != "/var/ckpt" {
		t.Errorf("CheckpointDir = %q, want /var/ckpt", cfg.CheckpointDir)
	}
	if !cfg.Quiet {
		t.Error("Quiet should be true")
	}
}

func TestApplyEnvOverridesConfig(t *testing.T) {
	os.Setenv("DMTCP_COORD_PORT", "9999")
	os.Setenv("DMTCP_CHECKPOINT_INTERVAL", "30")
	os.Setenv("DMTCP_COORD_WRITE_KV_DATA", "true")
	defer os.Unsetenv("DMTCP_COORD_PORT")
	defer os.Unsetenv("DMTCP_CHECKPOINT_INTERVAL")
	defer os.Unsetenv("DMTCP_COORD_WRITE_KV_DATA")

	cfg := ApplyEnv(Default())
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Interval)
	}
	if !cfg.WriteKVData {
		t.Error("WriteKVData should be true")
	}
}

func TestApplyEnvLeavesUnsetFieldsAlone(t *testing.T) {
	os.Unsetenv("DMTCP_COORD_HOST")
	cfg := ApplyEnv(Default())
	if cfg.Host != Default().Host {
		t.Errorf("Host = %q, want default unchanged", cfg.Host)
	}
}
