// Package daemon is the boot/shutdown skeleton of spec.md §4.11: pid
// file check-and-write, log stream setup, Supervisor/ControlPlane
// wiring, Snapshot-based respawn, and signal-driven graceful shutdown
// with a watchdog. Grounded on the teacher's cmd/provisr/daemon.go
// (writePidFile/removePidFile) and daemon_unix.go's SysProcAttr habit,
// generalized from "fork a copy of myself" (the teacher daemonizes by
// re-exec) to "run in place, supervised by systemd/launchd/a terminal",
// since spec.md's daemon owns its own Supervisor rather than forking.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loykin/provand/internal/controlplane"
	"github.com/loykin/provand/internal/crashjournal"
	"github.com/loykin/provand/internal/history/factory"
	"github.com/loykin/provand/internal/metrics"
	"github.com/loykin/provand/internal/registry"
	"github.com/loykin/provand/internal/snapshot"
	"github.com/loykin/provand/internal/supervisor"
)

// ShutdownWatchdog forces exit if a graceful stop stalls past this.
const ShutdownWatchdog = 10 * time.Second

// Daemon owns the long-lived process: pid file, log stream, Supervisor,
// ControlPlane, and the Snapshot it persists to.
type Daemon struct {
	DataDir       string
	ControlSocket string
	pidFilePath   string
	logFilePath   string
	logFile       *lumberjack.Logger

	Registry *registry.Registry
	Snap     *snapshot.Snapshotter
	Journal  *crashjournal.Journal
	Sv       *supervisor.Supervisor
	cp       *controlplane.Server
}

// New wires up every daemon-owned component rooted at dataDir, but does
// not yet touch the filesystem beyond dataDir creation. historyDSN, when
// non-empty, wires an optional audit-mirror sink (SQLite/Postgres/
// ClickHouse/OpenSearch, selected by the DSN scheme) onto the
// Supervisor; start/stop events are best-effort and never block or fail
// the Supervisor's own state machine.
func New(dataDir, historyDSN string) (*Daemon, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create data dir: %w", err)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("daemon: register metrics: %w", err)
	}
	reg := registry.New()
	journal := crashjournal.New(dataDir)

	d := &Daemon{
		DataDir:       dataDir,
		ControlSocket: filepath.Join(dataDir, "control.sock"),
		pidFilePath:   filepath.Join(dataDir, "daemon.pid"),
		logFilePath:   filepath.Join(dataDir, "daemon.log"),
		Registry:      reg,
		Journal:       journal,
	}
	d.Snap = snapshot.New(filepath.Join(dataDir, "snapshot.json"), d.produceEntries)
	d.Sv = supervisor.New(dataDir, reg, d.Snap, journal)
	if historyDSN != "" {
		sink, err := factory.NewSinkFromDSN(historyDSN)
		if err != nil {
			return nil, fmt.Errorf("daemon: history sink: %w", err)
		}
		d.Sv.SetHistorySink(sink)
	}
	d.cp = controlplane.New(d.Sv, d.Snap, d.Journal, dataDir, d.ControlSocket)
	return d, nil
}

func (d *Daemon) produceEntries() []registry.Entry {
	return d.Sv.List()
}

// Boot performs the spec.md §4.11 boot sequence: pid-file check, log
// file open, ControlPlane start, and Snapshot-based respawn of every
// entry that was last seen `running`.
func (d *Daemon) Boot(ctx context.Context) error {
	if err := d.claimPIDFile(); err != nil {
		return err
	}

	d.logFile = &lumberjack.Logger{
		Filename:   d.logFilePath,
		MaxSize:    10, // MiB, before daemon.log itself rotates
		MaxBackups: 4,
		Compress:   false,
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(d.logFile, nil)))

	go func() {
		if err := d.cp.ListenAndServe(ctx); err != nil {
			slog.Error("control plane stopped", "error", err)
		}
	}()

	snap, err := snapshot.Load(filepath.Join(d.DataDir, "snapshot.json"))
	if err != nil {
		slog.Warn("daemon: snapshot load failed, starting empty", "error", err)
	}
	for _, e := range snap.Entries {
		if e.State != registry.StateRunning {
			continue
		}
		if err := d.Sv.Resume(ctx, e.ID, e.Spec); err != nil {
			slog.Warn("daemon: failed to respawn entry from snapshot", "id", e.ID, "name", e.Name, "error", err)
		}
	}
	return nil
}

// Shutdown stops the ControlPlane, stops every entry, flushes the
// snapshot and log, and removes the pid file. It force-returns after
// ShutdownWatchdog even if graceful stop stalls.
func (d *Daemon) Shutdown() {
	done := make(chan struct{})
	go func() {
		_ = d.cp.Close()
		d.Sv.Shutdown(supervisor.StopGrace)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ShutdownWatchdog):
		slog.Warn("daemon: shutdown watchdog fired, forcing exit")
	}

	if d.logFile != nil {
		_ = d.logFile.Close()
	}
	_ = os.Remove(d.pidFilePath)
}

// claimPIDFile aborts if the pid recorded in pidFilePath still belongs
// to a live process, otherwise overwrites it with the current pid.
func (d *Daemon) claimPIDFile() error {
	if data, err := os.ReadFile(d.pidFilePath); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return fmt.Errorf("daemon: already running with pid %d (%s)", pid, d.pidFilePath)
			}
		}
	}
	return os.WriteFile(d.pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
