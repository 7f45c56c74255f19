// Package cli builds the dmtcp_coordinator command line: cobra binds
// every flag in the coordinator's CLI surface directly onto an
// internal/config.Config, then BuildCLI's RunE wires that config into
// a coordinator.Coordinator and blocks until a shutdown signal.
package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dmtcp-go/coordinator/internal/config"
	"github.com/dmtcp-go/coordinator/internal/coordinator"
	"github.com/dmtcp-go/coordinator/internal/metrics"
	"github.com/spf13/cobra"
)

var flagConfigFile string

// BuildCLI returns the dmtcp_coordinator root command.
func BuildCLI() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:     "dmtcp_coordinator [PORT]",
		Short:   "Coordinate distributed checkpoint and restart for a DMTCP computation",
		Long:    "dmtcp_coordinator is the single long-lived server that drives checkpoint and restart for every worker in a computation through a sequence of named barriers.",
		Version: "1.0.0",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				port, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid PORT %q: %w", args[0], err)
				}
				cfg.Port = port
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&flagConfigFile, "config", "c", "", "YAML config file, overlaid by flags below")
	cmd.Flags().IntVarP(&cfg.Port, "coord-port", "p", config.DefaultPort, "listening port (0 binds an ephemeral port)")
	cmd.Flags().StringVar(&cfg.PortFile, "port-file", "", "write the bound port to this file")
	cmd.Flags().StringVar(&cfg.StatusFile, "status-file", "", "write coordinator status to this file")
	cmd.Flags().StringVar(&cfg.CheckpointDir, "ckptdir", cfg.CheckpointDir, "directory for checkpoint images and restart scripts")
	cmd.Flags().StringVar(&cfg.TmpDir, "tmpdir", cfg.TmpDir, "scratch directory setting; stored in the configuration, the coordinator writes no files there")
	cmd.Flags().BoolVar(&cfg.WriteKVData, "write-kv-data", false, "serialize the key-value store on quit and at each checkpoint completion")
	cmd.Flags().BoolVar(&cfg.ExitOnLast, "exit-on-last", false, "quit once the last worker disconnects")
	cmd.Flags().BoolVar(&cfg.KillAfterCkpt, "kill-after-ckpt", false, "broadcast DMT_KILL_PEER once the next checkpoint completes")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 0, "unconditional hard exit after this long (0 disables)")
	cmd.Flags().DurationVar(&cfg.StaleTimeout, "stale-timeout", 8*time.Hour, "exit once no workers have been connected this long, as a duration such as 8h (zero or a negative duration such as -1s disables)")
	cmd.Flags().BoolVar(&cfg.Daemon, "daemon", false, "disable stdin commands; the process does not detach from the controlling terminal")
	cmd.Flags().StringVar(&cfg.LogFile, "coord-logfile", "", "redirect coordinator output to this file")
	cmd.Flags().DurationVarP(&cfg.Interval, "interval", "i", 0, "auto-checkpoint interval (0 disables)")
	cmd.Flags().BoolVarP(&cfg.Quiet, "quiet", "q", false, "accepted for command-line compatibility; logging is not reduced")

	return cmd
}

func run(cfg config.Config) error {
	if flagConfigFile != "" {
		loaded, err := config.Load(flagConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg = config.ApplyEnv(cfg)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open coord-logfile: %w", err)
		}
		log.SetOutput(f)
		defer f.Close()
	}
	coord := coordinator.New(cfg)

	if cfg.MetricsEnabled {
		go func() {
			if err := metrics.StartServer(cfg.MetricsPort); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGSEGV)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		if sig == syscall.SIGINT {
			coord.Quit("operator quit command")
			return <-errCh
		}

		// SIGTERM/SIGABRT/SIGQUIT/SIGSEGV: record that the coordinator
		// died here, then re-raise with the default disposition instead
		// of running the full quit sequence.
		coord.RecordTermination(sig.String())
		signal.Reset(sig)
		_ = syscall.Kill(syscall.Getpid(), sig.(syscall.Signal))
		return <-errCh
	}
}
