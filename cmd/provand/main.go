// Command provand is the daemon binary: it boots a Daemon (pid file,
// log stream, ControlPlane, Snapshot respawn), optionally loads a YAML
// config of apps to start fresh, and runs until SIGTERM/SIGINT.
// Grounded on the teacher's cmd/provisr/main.go flag/root-command shape,
// reduced to the handful of boot-time flags the daemon itself needs (the
// day-to-day start/stop/status flow moves to provandctl talking over
// the control socket instead of an in-process Manager).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/provand/internal/configpkg"
	"github.com/loykin/provand/internal/daemon"
	"github.com/loykin/provand/internal/logger"
	"github.com/loykin/provand/internal/metricsserver"
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".provand"
	}
	return filepath.Join(home, ".provand")
}

func main() {
	// Colorized console logging until Boot redirects slog to daemon.log;
	// anything logged before that (flag errors, pid-file conflicts) is
	// the operator's to see on a terminal, not buried in a file.
	slog.SetDefault(slog.New(logger.NewColorTextHandler(os.Stderr, nil, true)))

	var (
		dataDir       string
		configPath    string
		metricsListen string
		historyDSN    string
	)

	root := &cobra.Command{
		Use:   "provand",
		Short: "Local process supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(dataDir, configPath, metricsListen, historyDSN)
		},
	}
	root.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for pid file, logs, snapshot and crash journal")
	root.Flags().StringVar(&configPath, "config", "", "YAML config of apps to start on boot")
	root.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus /metrics (e.g. :9090)")
	root.Flags().StringVar(&historyDSN, "history-dsn", "", "optional audit-mirror DSN (sqlite://, postgres://, clickhouse://, opensearch://)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(dataDir, configPath, metricsListen, historyDSN string) error {
	d, err := daemon.New(dataDir, historyDSN)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.Boot(ctx); err != nil {
		return err
	}
	defer d.Shutdown()

	if configPath != "" {
		specs, err := configpkg.Load(configPath)
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if _, err := d.Sv.Start(ctx, spec); err != nil {
				slog.Error("failed to start app from config", "name", spec.Name, "error", err)
			}
		}
	}

	if metricsListen != "" {
		ms := metricsserver.New(metricsListen)
		go func() {
			if err := ms.Run(ctx); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	slog.Info("provand started", "data_dir", dataDir, "socket", d.ControlSocket)
	<-ctx.Done()
	slog.Info("provand shutting down")
	return nil
}
