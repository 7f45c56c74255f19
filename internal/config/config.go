// Package config loads the coordinator's configuration: built-in
// defaults, optionally overlaid by a YAML file, then by environment
// variables, with command-line flags (bound directly by internal/cli)
// taking final precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the coordinator's default listening port.
const DefaultPort = 7779

// Config is the coordinator's full set of tunables.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	PortFile       string        `yaml:"port_file"`
	StatusFile     string        `yaml:"status_file"`
	CheckpointDir  string        `yaml:"checkpoint_dir"`
	TmpDir         string        `yaml:"tmp_dir"`
	WriteKVData    bool          `yaml:"write_kv_data"`
	ExitOnLast     bool          `yaml:"exit_on_last"`
	KillAfterCkpt  bool          `yaml:"kill_after_ckpt"`
	Timeout        time.Duration `yaml:"timeout"`
	StaleTimeout   time.Duration `yaml:"stale_timeout"`
	Daemon         bool          `yaml:"daemon"`
	LogFile        string        `yaml:"log_file"`
	Interval       time.Duration `yaml:"interval"`
	Quiet          bool          `yaml:"quiet"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	MetricsPort    int           `yaml:"metrics_port"`
}

// Default returns the coordinator's built-in defaults.
func Default() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          DefaultPort,
		CheckpointDir: "ckpt",
		TmpDir:        os.TempDir(),
		MetricsPort:   9090,
	}
}

// Load returns the defaults overlaid by the YAML file at path, if path
// is non-empty. A missing file at a non-empty path is an error; an
// empty path is not (the coordinator runs fine with no config file).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the coordinator's recognized environment variables
// onto cfg, returning the result. Unset variables leave the
// corresponding field untouched.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("DMTCP_COORD_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DMTCP_COORD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("DMTCP_CHECKPOINT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DMTCP_CHECKPOINT_DIR"); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv("DMTCP_TMPDIR"); v != "" {
		cfg.TmpDir = v
	}
	if v := os.Getenv("DMTCP_COORD_LOG_FILENAME"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("DMTCP_COORD_WRITE_KV_DATA"); v != "" {
		cfg.WriteKVData = v == "1" || v == "true"
	}
	return cfg
}
